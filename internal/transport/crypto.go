package transport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// ErrBadPadding is returned when the decrypted segment does not end with
// valid PKCS#7 padding.
var ErrBadPadding = errors.New("invalid PKCS#7 padding")

// NewDecrypter wraps an AES-128-CBC encrypted stream. The last plaintext
// block is held back until the source is exhausted so padding can be removed.
func NewDecrypter(src Stream, key, iv []byte) (Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}

	return &decrypter{
		src:  src,
		mode: cipher.NewCBCDecrypter(block, iv),
		buf:  make([]byte, 16*1024),
	}, nil
}

type decrypter struct {
	src  Stream
	mode cipher.BlockMode
	buf  []byte

	pending []byte // ciphertext not yet decrypted
	held    []byte // last plaintext block, possibly padding
	out     []byte // plaintext ready to return
	done    bool
}

func (d *decrypter) Read(p []byte) (int, error) {
	for len(d.out) == 0 {
		if d.done {
			return 0, io.EOF
		}

		n, err := d.src.Read(d.buf)
		if n > 0 {
			d.pending = append(d.pending, d.buf[:n]...)
			d.decryptPending()
		}
		if errors.Is(err, io.EOF) {
			if err := d.finish(); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}
	}

	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}

func (d *decrypter) decryptPending() {
	full := len(d.pending) / aes.BlockSize * aes.BlockSize
	if full == 0 {
		return
	}

	plain := make([]byte, full)
	d.mode.CryptBlocks(plain, d.pending[:full])
	d.pending = append(d.pending[:0], d.pending[full:]...)

	plain = append(d.held, plain...)
	split := len(plain) - aes.BlockSize
	d.out = append(d.out, plain[:split]...)
	d.held = append([]byte(nil), plain[split:]...)
}

func (d *decrypter) finish() error {
	d.done = true
	if len(d.pending) != 0 {
		return fmt.Errorf("encrypted stream truncated: %d trailing bytes", len(d.pending))
	}
	if len(d.held) == 0 {
		return nil
	}

	pad := int(d.held[len(d.held)-1])
	if pad == 0 || pad > aes.BlockSize {
		return ErrBadPadding
	}
	if !bytes.Equal(d.held[aes.BlockSize-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return ErrBadPadding
	}
	d.out = append(d.out, d.held[:aes.BlockSize-pad]...)
	d.held = nil
	return nil
}

func (d *decrypter) Seek(offset int64, whence int) (int64, error) {
	return 0, ErrNotSeekable
}

func (d *decrypter) Size() int64 {
	return -1
}

func (d *decrypter) Close() error {
	return d.src.Close()
}
