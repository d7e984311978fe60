// routedp-proxy attaches to a running browser's devtools endpoint and applies
// interception rules loaded from a YAML file: requests can be blocked,
// answered with canned responses, or rewritten before they reach the network.
//
// Example rules file:
//
//	rules:
//	  - match: "**/*.{png,jpg,woff2}"
//	    action: block
//	    reason: blockedbyclient
//	  - match: "**/api/flags"
//	    action: fulfill
//	    status: 200
//	    content_type: application/json
//	    body: '{"flags":{}}'
//	  - match: "http://legacy.example.com/**"
//	    action: rewrite
//	    url: "http://new.example.com/"
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/routedp/routedp"
)

type ruleFile struct {
	Rules []rule `yaml:"rules"`
}

type rule struct {
	Match  string `yaml:"match"`
	Action string `yaml:"action"`

	// block
	Reason string `yaml:"reason"`

	// fulfill
	Status      int               `yaml:"status"`
	ContentType string            `yaml:"content_type"`
	Body        string            `yaml:"body"`
	Headers     map[string]string `yaml:"headers"`

	// rewrite
	URL    string `yaml:"url"`
	Method string `yaml:"method"`

	// how often the rule may fire; 0 means unbounded
	Times int `yaml:"times"`
}

// handler builds the route handler for one rule.
func (r rule) handler(logger zerolog.Logger) (routedp.RouteHandler, error) {
	switch r.Action {
	case "block":
		return func(route *routedp.Route) error {
			logger.Info().Str("url", route.Request().URL).Str("reason", r.Reason).Msg("blocked")
			return route.Abort(r.Reason)
		}, nil

	case "fulfill":
		opts := []routedp.FulfillOption{routedp.FulfillBodyText(r.Body)}
		if r.Status != 0 {
			opts = append(opts, routedp.FulfillStatus(r.Status))
		}
		if r.ContentType != "" {
			opts = append(opts, routedp.FulfillContentType(r.ContentType))
		}
		for name, value := range r.Headers {
			opts = append(opts, routedp.FulfillSetHeader(name, value))
		}
		return func(route *routedp.Route) error {
			logger.Info().Str("url", route.Request().URL).Msg("fulfilled")
			return route.Fulfill(opts...)
		}, nil

	case "rewrite":
		var opts []routedp.ContinueOption
		if r.URL != "" {
			opts = append(opts, routedp.ContinueURL(r.URL))
		}
		if r.Method != "" {
			opts = append(opts, routedp.ContinueMethod(r.Method))
		}
		return func(route *routedp.Route) error {
			logger.Info().Str("url", route.Request().URL).Str("to", r.URL).Msg("rewritten")
			return route.Continue(opts...)
		}, nil

	case "continue", "":
		return func(route *routedp.Route) error {
			return route.Continue()
		}, nil
	}
	return nil, fmt.Errorf("unknown action %q", r.Action)
}

func loadRules(path string) ([]rule, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f ruleFile
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("%s: no rules", path)
	}
	return f.Rules, nil
}

func run(ctx context.Context, logger zerolog.Logger, urlstr, rulesPath string) error {
	rules, err := loadRules(rulesPath)
	if err != nil {
		return err
	}

	wsURL, err := devtoolsURL(ctx, urlstr)
	if err != nil {
		return err
	}
	logger.Info().Str("url", wsURL).Msg("connecting")

	browser, err := routedp.NewBrowser(ctx, wsURL,
		routedp.WithBrowserLogf(func(s string, v ...interface{}) { logger.Info().Msgf(s, v...) }),
		routedp.WithBrowserErrorf(func(s string, v ...interface{}) { logger.Error().Msgf(s, v...) }),
	)
	if err != nil {
		return fmt.Errorf("connecting to browser: %w", err)
	}
	defer browser.Shutdown()

	driver := routedp.NewFetchDriver(browser)
	defer driver.Stop()

	bctx := routedp.NewBrowserContext(driver,
		routedp.WithLogf(func(s string, v ...interface{}) { logger.Info().Msgf(s, v...) }),
		routedp.WithErrorf(func(s string, v ...interface{}) { logger.Error().Msgf(s, v...) }),
		routedp.WithDebugf(func(s string, v ...interface{}) { logger.Debug().Msgf(s, v...) }),
	)
	defer bctx.Close()

	// Later rules win on overlap, so register in reverse file order to keep
	// the file's top-down precedence.
	for i := len(rules) - 1; i >= 0; i-- {
		h, err := rules[i].handler(logger)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i+1, err)
		}
		var opts []routedp.RouteOption
		if rules[i].Times > 0 {
			opts = append(opts, routedp.WithTimes(rules[i].Times))
		}
		if err := bctx.Route(rules[i].Match, h, opts...); err != nil {
			return fmt.Errorf("rule %d: %w", i+1, err)
		}
	}

	if err := driver.Run(ctx, bctx); err != nil {
		return err
	}
	logger.Info().Int("rules", len(rules)).Msg("intercepting")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

// devtoolsURL resolves urlstr to a browser websocket endpoint, asking the
// devtools version endpoint if an http URL was given.
func devtoolsURL(ctx context.Context, urlstr string) (string, error) {
	if urlstr == "" {
		return "", fmt.Errorf("missing devtools URL")
	}
	if urlstr[0] == ':' {
		urlstr = "http://localhost" + urlstr
	}
	if len(urlstr) >= 5 && urlstr[:5] == "ws://" {
		return urlstr, nil
	}
	req, err := http.NewRequestWithContext(ctx, "GET", urlstr+"/json/version", nil)
	if err != nil {
		return "", err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("querying %s: %w", urlstr, err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("%s did not report a websocket debugger URL", urlstr)
	}
	return info.WebSocketDebuggerURL, nil
}

func main() {
	var (
		flagURL     string
		flagRules   string
		flagVerbose bool
	)
	cmd := &cobra.Command{
		Use:           "routedp-proxy",
		Short:         "intercept and rewrite browser traffic via the devtools protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if flagVerbose {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).
				With().Timestamp().Logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, logger, flagURL, flagRules)
		},
	}
	cmd.Flags().StringVarP(&flagURL, "url", "u", "http://localhost:9222", "devtools URL (http endpoint or ws:// browser target)")
	cmd.Flags().StringVarP(&flagRules, "rules", "r", "rules.yaml", "interception rules file")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
