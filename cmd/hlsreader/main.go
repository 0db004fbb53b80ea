// The hlsreader command opens an HLS presentation, pulls its packets in
// timestamp order and prints what it received.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/agleyzer/hlsreader/internal/config"
	"github.com/agleyzer/hlsreader/internal/logger"
	"github.com/agleyzer/hlsreader/internal/metrics"
	"github.com/agleyzer/hlsreader/internal/server"
	"github.com/agleyzer/hlsreader/internal/session"
)

// headerFlags collects repeated -header values.
type headerFlags []string

func (h *headerFlags) String() string {
	return strings.Join(*h, ", ")
}

func (h *headerFlags) Set(v string) error {
	name, _, ok := strings.Cut(v, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("header must look like 'Name: value', got %q", v)
	}
	*h = append(*h, strings.TrimSpace(v))
	return nil
}

// block renders the headers as a raw "Key: Value\r\n" block.
func (h headerFlags) block() string {
	var b strings.Builder
	for _, v := range h {
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	return b.String()
}

// options holds the parsed command line.
type options struct {
	url        string
	verbose    bool
	logFormat  string
	envFile    string
	statusPort int
	seek       time.Duration
	maxPackets int64
	headers    headerFlags
	cookies    string
	userAgent  string
}

func main() {
	var (
		opts        options
		showVersion bool
	)

	flag.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	flag.StringVar(&opts.envFile, "env-file", "", "Environment file with HLS_* settings (default .env if present)")
	flag.IntVar(&opts.statusPort, "status-port", 0, "Status server port (0 disables it)")
	flag.DurationVar(&opts.seek, "seek", 0, "Position to seek to before reading (e.g., '1m30s')")
	flag.Int64Var(&opts.maxPackets, "max-packets", 0, "Stop after this many packets (0 means no limit)")
	flag.Var(&opts.headers, "header", "Extra request header 'Name: value' (repeatable)")
	flag.StringVar(&opts.cookies, "cookies", "", "Cookie header sent with every request")
	flag.StringVar(&opts.userAgent, "user-agent", "", "User agent sent with every request")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hlsreader - adaptive HLS client v%s\n\n", config.Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <playlist-url>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Arguments:\n")
		fmt.Fprintf(os.Stderr, "  <playlist-url>    URL of a master or media playlist\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s https://example.com/master.m3u8\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --seek 2m --max-packets 1000 https://example.com/vod.m3u8\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --status-port 9090 --header 'Authorization: Bearer x' https://example.com/live.m3u8\n", os.Args[0])
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("hlsreader v%s\n", config.Version)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: playlist URL is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	opts.url = flag.Arg(0)

	if opts.statusPort < 0 || opts.statusPort > 65535 {
		fmt.Fprintf(os.Stderr, "Error: status port must be between 0 and 65535\n")
		os.Exit(1)
	}
	if opts.maxPackets < 0 {
		fmt.Fprintf(os.Stderr, "Error: max packets must not be negative\n")
		os.Exit(1)
	}

	level := "info"
	if opts.verbose {
		level = "debug"
	}
	log := logger.New(os.Stdout, level, opts.logFormat)

	log.Info("hlsreader starting", "version", config.Version)

	if err := run(opts, log); err != nil {
		log.Error("application error", "error", err)
		os.Exit(1)
	}

	log.Info("hlsreader stopped")
}

func run(opts options, logger *slog.Logger) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	logger.Info("opening playlist", "url", opts.url)
	sess, err := session.Open(ctx, opts.url, session.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer sess.Close()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal", "signal", sig)
			sess.Abort()
		case <-ctx.Done():
		}
	}()

	if opts.statusPort > 0 {
		srv := server.New(sess, m, opts.statusPort, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Warn("status server stopped", "error", err)
			}
		}()
		logger.Info("status server ready",
			"stats", fmt.Sprintf("http://localhost:%d/stats", opts.statusPort),
			"metrics", fmt.Sprintf("http://localhost:%d/metrics", opts.statusPort),
		)
	}

	streams := sess.Streams()
	for _, st := range streams {
		logger.Info("stream",
			"index", st.Index,
			"kind", st.Kind,
			"codec", st.Codec,
			"variant_bitrate", st.VariantBitrate,
		)
	}
	logger.Info("session opened",
		"id", sess.ID(),
		"live", sess.Live(),
		"duration", sess.Duration(),
	)

	if opts.seek > 0 {
		if err := sess.Seek(-1, opts.seek, session.SeekKeyframe); err != nil {
			return fmt.Errorf("failed to seek to %v: %w", opts.seek, err)
		}
	}

	tally := newSummary(streams)
	start := time.Now()
	for opts.maxPackets == 0 || tally.total < opts.maxPackets {
		pkt, err := sess.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}
		tally.add(pkt.Stream, len(pkt.Data), pkt.DTS)
	}

	st := sess.Stats()
	logger.Info("finished reading",
		"packets", tally.total,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"segments", st.SegmentsRead,
		"bytes", st.BytesRead,
		"reloads", st.PlaylistReloads,
		"switches", st.VariantSwitches,
		"dropped", st.PacketsDropped,
	)

	return tally.write(os.Stdout)
}

// loadConfig builds the session configuration from the environment and
// lets the command line override it.
func loadConfig(opts options) (config.Config, error) {
	if opts.envFile != "" {
		if err := config.Load(opts.envFile); err != nil {
			return config.Config{}, fmt.Errorf("failed to load env file %s: %w", opts.envFile, err)
		}
	} else if err := config.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		// .env is optional, but a broken one is not ignored
		return config.Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := config.FromEnv()
	if len(opts.headers) > 0 {
		cfg.Headers = opts.headers.block()
	}
	if opts.cookies != "" {
		cfg.Cookies = opts.cookies
	}
	if opts.userAgent != "" {
		cfg.UserAgent = opts.userAgent
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// summary counts what was delivered per output stream.
type summary struct {
	streams []session.StreamInfo
	counts  map[int]*streamCount
	total   int64
}

type streamCount struct {
	packets int64
	bytes   int64
	lastDTS time.Duration
}

func newSummary(streams []session.StreamInfo) *summary {
	return &summary{
		streams: streams,
		counts:  make(map[int]*streamCount),
	}
}

func (s *summary) add(stream, size int, dts time.Duration) {
	c, ok := s.counts[stream]
	if !ok {
		c = &streamCount{}
		s.counts[stream] = c
	}
	c.packets++
	c.bytes += int64(size)
	c.lastDTS = dts
	s.total++
}

// write prints one line per stream of the table, including streams that
// delivered nothing.
func (s *summary) write(w io.Writer) error {
	indexes := make([]int, 0, len(s.streams))
	described := make(map[int]session.StreamInfo, len(s.streams))
	for _, st := range s.streams {
		indexes = append(indexes, st.Index)
		described[st.Index] = st
	}
	for idx := range s.counts {
		if _, ok := described[idx]; !ok {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tKIND\tCODEC\tPACKETS\tBYTES\tLAST DTS")
	for _, idx := range indexes {
		st := described[idx]
		c := s.counts[idx]
		if c == nil {
			c = &streamCount{}
		}
		kind, codec := st.Kind.String(), st.Codec
		if codec == "" {
			codec = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%v\n", idx, kind, codec, c.packets, c.bytes, c.lastDTS)
	}
	return tw.Flush()
}
