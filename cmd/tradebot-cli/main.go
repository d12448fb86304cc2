package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"tradebot/internal/app"
	"tradebot/internal/domain"
	"tradebot/pkg/client"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tradebot-cli <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                      Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  status                       Show engine status\n")
		fmt.Fprintf(os.Stderr, "  positions                    List open positions\n")
		fmt.Fprintf(os.Stderr, "  orders [STATUS]              List recent orders\n")
		fmt.Fprintf(os.Stderr, "  trades [SYMBOL]              List recent closed trades\n")
		fmt.Fprintf(os.Stderr, "  pause [REASON]               Stop placing orders\n")
		fmt.Fprintf(os.Stderr, "  resume                       Resume trading\n")
		fmt.Fprintf(os.Stderr, "  flatten                      Close every position\n")
		fmt.Fprintf(os.Stderr, "  backtest SYMBOL [STRATEGY]   Run a backtest\n")
		fmt.Fprintf(os.Stderr, "  assign SYMBOL STRATEGY       Pin the live strategy for a symbol\n")
		fmt.Fprintf(os.Stderr, "  run-job NAME                 Trigger a scheduler job\n")
		fmt.Fprintf(os.Stderr, "  report                       Print the daily report (gRPC)\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment:\n")
		fmt.Fprintf(os.Stderr, "  TRADEBOT_URL   REST base URL (default http://127.0.0.1:8080)\n")
		fmt.Fprintf(os.Stderr, "  TRADEBOT_GRPC  gRPC address (default 127.0.0.1:9090)\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(cmd string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	c := client.NewClient(env("TRADEBOT_URL", "http://127.0.0.1:8080"))

	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch cmd {
	case "version":
		fmt.Printf("tradebot-cli %s\n", version)
		return nil
	case "status":
		return show(c.Status(ctx))
	case "positions":
		return show(c.Positions(ctx))
	case "orders":
		return show(c.Orders(ctx, domain.OrderStatus(arg(0)), 50))
	case "trades":
		return show(c.Trades(ctx, arg(0), time.Time{}, nil, 50))
	case "pause":
		reason := arg(0)
		if reason == "" {
			reason = "cli"
		}
		return show(c.Pause(ctx, reason))
	case "resume":
		return show(c.Resume(ctx))
	case "flatten":
		n, err := c.Flatten(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("placed %d closing orders\n", n)
		return nil
	case "backtest":
		if arg(0) == "" {
			return fmt.Errorf("usage: backtest SYMBOL [STRATEGY]")
		}
		req := app.BacktestRequest{Symbols: []string{arg(0)}}
		if s := arg(1); s != "" {
			req.Strategies = []string{s}
		}
		return show(c.RunBacktest(ctx, req))
	case "assign":
		if arg(1) == "" {
			return fmt.Errorf("usage: assign SYMBOL STRATEGY")
		}
		return show(c.Assign(ctx, arg(0), arg(1), nil))
	case "run-job":
		if arg(0) == "" {
			return fmt.Errorf("usage: run-job NAME")
		}
		if err := c.RunJob(ctx, arg(0)); err != nil {
			return err
		}
		fmt.Printf("%s completed\n", arg(0))
		return nil
	case "report":
		ctl, err := client.DialControl(env("TRADEBOT_GRPC", "127.0.0.1:9090"))
		if err != nil {
			return err
		}
		defer ctl.Close()
		text, err := ctl.Report(ctx)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	}
	flag.Usage()
	return fmt.Errorf("unknown command: %s", cmd)
}

func show(v any, err error) error {
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
