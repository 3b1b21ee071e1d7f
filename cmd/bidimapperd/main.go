// Command bidimapperd runs the BiDi-over-CDP mapper as a standalone
// process: it launches or attaches to a Chrome instance, speaks
// WebDriver BiDi as newline-delimited JSON on stdin/stdout, and
// translates each command into CDP traffic against the browser.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chromectl/bidimapper/internal/browser"
	"github.com/chromectl/bidimapper/internal/cdp"
	"github.com/chromectl/bidimapper/internal/config"
	"github.com/chromectl/bidimapper/internal/logging"
	"github.com/chromectl/bidimapper/internal/mapper"
	"github.com/chromectl/bidimapper/internal/supervisor"
	"github.com/chromectl/bidimapper/internal/wire"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.Errorf("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "bidimapperd",
		Short: "Map WebDriver BiDi commands onto a Chrome DevTools Protocol connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetDebug(cfg.Debug)
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.CDPEndpoint, "cdp-url", "", "ws:// URL of an already-running browser (skips launching one)")
	flags.BoolVar(&cfg.Headless, "headless", cfg.Headless, "launch Chrome headless when --cdp-url is not given")
	flags.StringVar(&cfg.ChromeBinary, "chrome-binary", "", "path to Chrome/Chromium binary (overrides auto-detection)")
	flags.BoolVar(&cfg.Debug, "debug", false, "enable debug logging on stderr")

	return cmd
}

// stdoutSink renders outgoing BiDi events/results as newline-delimited
// JSON on stdout, serialized by a mutex since events and command
// responses can be written from different goroutines.
type stdoutSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newStdoutSink() *stdoutSink {
	return &stdoutSink{w: bufio.NewWriter(os.Stdout)}
}

func (s *stdoutSink) writeLine(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(data)
	s.w.WriteByte('\n')
	s.w.Flush()
}

// SendEvent implements mapper.Sink. channel is folded into the params
// object under "goog:channel" when non-default, matching the BiDi
// convention for per-channel event delivery.
func (s *stdoutSink) SendEvent(method string, params any, channel string) {
	payload := params
	if channel != "" {
		m, ok := params.(map[string]any)
		if raw, isRaw := params.(json.RawMessage); isRaw {
			ok = json.Unmarshal(raw, &m) == nil && m != nil
		}
		if ok {
			withChannel := make(map[string]any, len(m)+1)
			for k, v := range m {
				withChannel[k] = v
			}
			withChannel["goog:channel"] = channel
			payload = withChannel
		}
	}
	data, err := wire.RenderEvent(method, payload)
	if err != nil {
		logging.Warnf("failed to render event %s: %v", method, err)
		return
	}
	s.writeLine(data)
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	br, wsURL, err := connectBrowser(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	if br != nil {
		defer br.Close()
	}

	client, err := cdp.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("dial cdp: %w", err)
	}
	client.SetErrorf(logging.Debugf)

	selfTarget, err := selfTargetID(ctx, client)
	if err != nil {
		logging.Warnf("could not determine self target: %v", err)
	}

	conn := mapper.NewCdpClientConnection(client)
	sink := newStdoutSink()
	m := mapper.New(conn, selfTarget, sink)

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("enable auto-attach: %w", err)
	}

	if br != nil {
		sup := supervisor.New(br, client, func(ctx context.Context, newClient *cdp.Client) error {
			conn.Swap(newClient)
			return m.Start(ctx)
		})
		sup.SetDebugf(logging.Debugf)
		go sup.Watch(ctx)
	}

	return serveStdio(ctx, m, sink)
}

// connectBrowser either dials cfg.CDPEndpoint directly or launches a
// fresh Chrome instance, returning the owned *browser.Browser (nil if
// we attached to an external one) and the page WebSocket URL to dial.
func connectBrowser(ctx context.Context, cfg config.Config) (*browser.Browser, string, error) {
	if cfg.CDPEndpoint != "" {
		return nil, cfg.CDPEndpoint, nil
	}

	var br *browser.Browser
	var err error
	if cfg.ChromeBinary != "" {
		br, err = browser.StartWithBinary(cfg.ChromeBinary, cfg)
	} else {
		br, err = browser.Start(cfg)
	}
	if err != nil {
		return nil, "", err
	}

	wsURL, err := br.WebSocketURL(ctx)
	if err != nil {
		br.Close()
		return nil, "", err
	}
	return br, wsURL, nil
}

// selfTargetID finds the TargetId the mapper's own CDP websocket is
// speaking to, so onAttachedToTarget can exclude it from browsing
// contexts (spec.md §4.6 "the self-target").
func selfTargetID(ctx context.Context, client *cdp.Client) (mapper.TargetId, error) {
	raw, err := client.SendContext(ctx, "Target.getTargetInfo", nil)
	if err != nil {
		return "", err
	}
	var info struct {
		TargetInfo struct {
			TargetId string `json:"targetId"`
		} `json:"targetInfo"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", err
	}
	return mapper.TargetId(info.TargetInfo.TargetId), nil
}

// serveStdio reads newline-delimited BiDi commands from stdin and
// dispatches each concurrently, writing its result or error back to
// stdout through sink so ordering with events is serialized at one
// writer.
func serveStdio(ctx context.Context, m *mapper.Mapper, sink *stdoutSink) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}

		cmdRecord, codecErr := wire.Parse(line)
		if codecErr != nil {
			resp := codecErr.ToErrorResponse()
			data, _ := json.Marshal(resp)
			sink.writeLine(data)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatchOne(ctx, m, sink, cmdRecord)
		}()
	}
	return scanner.Err()
}

func dispatchOne(ctx context.Context, m *mapper.Mapper, sink *stdoutSink, cmd *wire.RawCommand) {
	result, mapErr := m.Dispatch(ctx, cmd.Method, cmd.Params)
	if mapErr != nil {
		data, err := wire.RenderError(&cmd.ID, string(mapErr.Code), mapErr.Message, mapErr.StackTrace)
		if err != nil {
			logging.Warnf("failed to render error response: %v", err)
			return
		}
		sink.writeLine(data)
		return
	}

	data, err := wire.RenderSuccess(cmd.ID, result)
	if err != nil {
		logging.Warnf("failed to render success response: %v", err)
		return
	}
	sink.writeLine(data)
}
