// Command fetchguard is the CLI front end for the fetchguard library: a
// one-shot "fetch" subcommand for scripting and a "serve" subcommand that
// exposes the same policy over HTTP, optionally onto a Tailscale tailnet.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/alecthomas/kong"
	charmLog "github.com/charmbracelet/log"
	"tailscale.com/tsnet"

	"github.com/lox/fetchguard"
	"github.com/lox/fetchguard/internal/audit"
	"github.com/lox/fetchguard/internal/server"
)

type cli struct {
	LogLevel  string `name:"log-level" help:"Log level." env:"FETCHGUARD_LOG_LEVEL" default:"info" enum:"debug,info,warn,error,fatal"`
	LogFormat string `name:"log-format" help:"Log output format." env:"FETCHGUARD_LOG_FORMAT" default:"text" enum:"text,json"`

	Fetch fetchCmd `cmd:"" help:"Perform a single validated fetch and print the result." default:"withargs"`
	Serve serveCmd `cmd:"" help:"Run the HTTP fetch service."`
}

type policyFlags struct {
	AllowScheme      []string      `name:"allow-scheme" help:"Allowed URL schemes." env:"FETCHGUARD_ALLOW_SCHEME" default:"http,https"`
	AllowDomain      []string      `name:"allow-domain" help:"Domain allowlist (supports *.suffix wildcards). Empty allows any domain not blocked."`
	BlockDomain      []string      `name:"block-domain" help:"Domain blocklist; always overrides the allowlist."`
	AllowPrivate     bool          `name:"allow-private" help:"Permit fetches to private, loopback, and link-local addresses. Dangerous; off by default."`
	MaxRedirects     int           `name:"max-redirects" help:"Maximum redirects to follow." default:"10"`
	ConnectTimeout   time.Duration `name:"connect-timeout" help:"Per-dial connect timeout." default:"10s"`
	RequestTimeout   time.Duration `name:"request-timeout" help:"Overall request timeout, including redirects." default:"30s"`
	MaxResponseBytes int64         `name:"max-response-bytes" help:"Maximum response body size in bytes." default:"10485760"`
	DNSServer        []string      `name:"dns-server" help:"Upstream DNS servers (host:port). Defaults to public resolvers."`
	RateLimitCount   int           `name:"rate-limit-count" help:"Admit at most this many fetches per --rate-limit-interval. 0 disables rate limiting."`
	RateLimitBurst   int           `name:"rate-limit-burst" help:"Token bucket burst size; defaults to rate-limit-count."`
	RateLimitWindow  time.Duration `name:"rate-limit-interval" help:"Rate limit refill interval." default:"1s"`
}

func (f *policyFlags) toPolicy() fetchguard.FetchPolicy {
	denyPrivate := !f.AllowPrivate
	p := fetchguard.FetchPolicy{
		AllowedSchemes:   f.AllowScheme,
		AllowedDomains:   f.AllowDomain,
		BlockedDomains:   f.BlockDomain,
		DenyPrivateIPs:   &denyPrivate,
		MaxRedirects:     f.MaxRedirects,
		ConnectTimeout:   f.ConnectTimeout,
		RequestTimeout:   f.RequestTimeout,
		MaxResponseBytes: f.MaxResponseBytes,
		DNSServers:       f.DNSServer,
	}
	if f.RateLimitCount > 0 {
		p.RateLimit = &fetchguard.RateLimitConfig{
			Count:    f.RateLimitCount,
			Burst:    f.RateLimitBurst,
			Interval: f.RateLimitWindow,
		}
	}
	return p
}

type fetchCmd struct {
	policyFlags
	URL    string   `arg:"" help:"URL to fetch."`
	Method string   `name:"method" help:"HTTP method." default:"GET"`
	Header []string `name:"header" help:"Request header as 'Name: value'. Repeatable."`
	Render string   `name:"render" help:"Output rendering." enum:"raw,markdown" default:"raw"`
}

func (cmd *fetchCmd) Run(globals *cli) error {
	logger, err := newLogger(globals.LogLevel, globals.LogFormat)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	headers := fetchguard.Header{}
	for _, raw := range cmd.Header {
		name, value, ok := strings.Cut(raw, ":")
		if !ok {
			return fmt.Errorf("invalid header %q, want 'Name: value'", raw)
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	client := fetchguard.New(cmd.toPolicy())
	resp, err := client.Fetch(context.Background(), fetchguard.FetchRequest{
		URL:     cmd.URL,
		Method:  cmd.Method,
		Headers: headers,
	})
	if err != nil {
		logger.Error("fetch rejected", "url", cmd.URL, "error", err)
		return err
	}

	body := string(resp.Body)
	if cmd.Render == "markdown" && looksLikeHTML(resp.Headers.Get("Content-Type")) {
		if md, err := htmltomarkdown.ConvertString(body); err == nil {
			body = md
		}
	}

	fmt.Printf("%d %s\n\n%s\n", resp.Status, resp.FinalURL, body)
	return nil
}

func looksLikeHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "html")
}

type serveCmd struct {
	policyFlags
	HTTPAddr    string `name:"http-addr" help:"HTTP listen address." env:"FETCHGUARD_HTTP_ADDR" default:":8080"`
	AuditDBPath string `name:"audit-db" help:"SQLite path to record every admit/reject decision. Omit to disable auditing." env:"FETCHGUARD_AUDIT_DB"`
	Tailnet     bool   `name:"tailnet" help:"Also serve over a Tailscale tailnet via tsnet, in addition to --http-addr." env:"FETCHGUARD_TAILNET"`
	TSHostname  string `name:"ts-hostname" help:"Tailscale hostname for tsnet." env:"TS_HOSTNAME" default:"fetchguard"`
	TSStateDir  string `name:"ts-state-dir" help:"Tailscale state directory." env:"TS_STATE_DIR" default:""`
}

func (cmd *serveCmd) Run(globals *cli) error {
	logger, err := newLogger(globals.LogLevel, globals.LogFormat)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	charmLog.SetDefault(logger)

	policy := cmd.toPolicy()
	if cmd.AuditDBPath != "" {
		sink, err := audit.NewSQLiteSink(cmd.AuditDBPath)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer sink.Close()
		policy.AuditSink = sink
	}

	app := server.New(server.AppConfig{Policy: policy, Logger: logger.With("component", "server")})
	handler := app.Handler()

	if cmd.Tailnet {
		tsLogger := logger.With("component", "tsnet")
		ts := &tsnet.Server{
			Hostname: cmd.TSHostname,
			UserLogf: func(format string, args ...any) { tsLogger.Infof(format, args...) },
			Logf:     func(format string, args ...any) { tsLogger.Debugf(format, args...) },
		}
		if cmd.TSStateDir != "" {
			ts.Dir = cmd.TSStateDir
		}
		defer ts.Close()

		svcName := "svc:" + cmd.TSHostname
		ln, err := ts.ListenService(svcName, tsnet.ServiceModeHTTP{HTTPS: true, Port: 443})
		if err != nil {
			return fmt.Errorf("tsnet listen service: %w", err)
		}
		defer ln.Close()

		tsLogger.Info("tailnet listener ready", "hostname", cmd.TSHostname, "service", svcName, "fqdn", ln.FQDN)
		go func() {
			tsServer := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			if err := tsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				tsLogger.Fatal("tsnet serve", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cmd.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("fetchguard listening",
		"addr", cmd.HTTPAddr,
		"deny_private", !cmd.AllowPrivate,
		"audit_db", cmd.AuditDBPath != "",
		"tailnet", cmd.Tailnet,
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func main() {
	if err := loadDotEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	var app cli
	ctx := kong.Parse(&app,
		kong.Name("fetchguard"),
		kong.Description("SSRF-safe outbound HTTP fetches."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&app); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(levelRaw, formatRaw string) (*charmLog.Logger, error) {
	level, err := charmLog.ParseLevel(strings.TrimSpace(levelRaw))
	if err != nil {
		return nil, err
	}

	formatter := charmLog.TextFormatter
	if strings.EqualFold(strings.TrimSpace(formatRaw), "json") {
		formatter = charmLog.JSONFormatter
	}

	return charmLog.NewWithOptions(os.Stderr, charmLog.Options{
		Prefix:          "fetchguard",
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

func loadDotEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		key, value, ok, parseErr := parseDotEnvLine(scanner.Text())
		if parseErr != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNum, parseErr)
		}
		if !ok {
			continue
		}
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env %s: %w", key, err)
		}
	}
	return scanner.Err()
}

func parseDotEnvLine(line string) (key, value string, ok bool, err error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false, nil
	}
	if strings.HasPrefix(trimmed, "export ") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))
	}

	parts := strings.SplitN(trimmed, "=", 2)
	if len(parts) != 2 {
		return "", "", false, fmt.Errorf("invalid .env line")
	}
	key = strings.TrimSpace(parts[0])
	if key == "" {
		return "", "", false, fmt.Errorf("empty key in .env line")
	}

	value = strings.TrimSpace(parts[1])
	parsedValue, err := parseDotEnvValue(value)
	if err != nil {
		return "", "", false, err
	}
	return key, parsedValue, true, nil
}

func parseDotEnvValue(raw string) (string, error) {
	if len(raw) >= 2 && strings.HasPrefix(raw, "\"") && strings.HasSuffix(raw, "\"") {
		value, err := strconv.Unquote(raw)
		if err != nil {
			return "", fmt.Errorf("invalid double-quoted value: %w", err)
		}
		return value, nil
	}
	if len(raw) >= 2 && strings.HasPrefix(raw, "'") && strings.HasSuffix(raw, "'") {
		return strings.TrimSuffix(strings.TrimPrefix(raw, "'"), "'"), nil
	}
	return raw, nil
}
