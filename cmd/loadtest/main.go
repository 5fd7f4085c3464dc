// Команда loadtest оформляет заказы параллельно через gRPC и проверяет, что склад не продаётся в минус.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcsvc "github.com/vladislavdragonenkov/storefront/internal/service/grpc"
)

type loadMode string

const (
	modePlace       loadMode = "place"
	modePlaceReplay loadMode = "place-replay"
	modePlaceCancel loadMode = "place-cancel"
)

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modePlace, modePlaceReplay, modePlaceCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

type options struct {
	grpcAddr    string
	adminURL    string
	scenarios   int // 0 без ограничения, только вместе с duration
	duration    time.Duration
	workers     int
	conns       int
	rpcTimeout  time.Duration
	mode        loadMode
	cancelShare int
	product     string
	quantity    int64
	seedStock   int64
	seedPrice   string
	userPrefix  string
	reportPath  string
}

func parseOptions(args []string) (options, error) {
	var (
		opts options
		mode string
	)
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.StringVar(&opts.grpcAddr, "addr", "localhost:50051", "gRPC target address")
	fs.StringVar(&opts.adminURL, "http-addr", "http://localhost:8080", "REST API base URL used to seed the product")
	fs.IntVar(&opts.scenarios, "total", 400, "scenarios to run; with -duration it only caps the run when set explicitly")
	fs.DurationVar(&opts.duration, "duration", 0, "run for this long instead of a fixed count")
	fs.IntVar(&opts.workers, "concurrency", 40, "scenarios in flight")
	fs.IntVar(&opts.conns, "connections", 20, "gRPC client connections")
	fs.DurationVar(&opts.rpcTimeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.StringVar(&mode, "mode", string(modePlace), "place | place-replay | place-cancel")
	fs.IntVar(&opts.cancelShare, "cancel-rate", 0, "percent of place scenarios that cancel their order")
	fs.StringVar(&opts.product, "product", "load-product", "product id to order")
	fs.Int64Var(&opts.quantity, "quantity", 1, "units per order")
	fs.Int64Var(&opts.seedStock, "seed-stock", 0, "create the product with this stock through the admin API (0 skips seeding)")
	fs.StringVar(&opts.seedPrice, "seed-price", "10.00", "price of the seeded product")
	fs.StringVar(&opts.userPrefix, "user-tag", "load", "user id prefix")
	fs.StringVar(&opts.reportPath, "output", "", "write the JSON report to this file")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	totalSet := false
	fs.Visit(func(f *flag.Flag) { totalSet = totalSet || f.Name == "total" })
	if opts.duration > 0 && !totalSet {
		opts.scenarios = 0
	}

	var errs []error
	parsed, err := parseMode(mode)
	if err != nil {
		errs = append(errs, err)
	}
	opts.mode = parsed
	opts.product = strings.TrimSpace(opts.product)
	opts.userPrefix = strings.TrimSpace(opts.userPrefix)

	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(opts.duration >= 0, "duration must be >= 0")
	check(opts.scenarios > 0 || (opts.duration > 0 && !totalSet), "total must be > 0")
	check(opts.workers > 0, "concurrency must be > 0")
	check(opts.conns > 0, "connections must be > 0")
	check(opts.rpcTimeout > 0, "timeout must be > 0")
	check(opts.quantity > 0, "quantity must be > 0")
	check(opts.seedStock >= 0, "seed-stock must be >= 0")
	check(opts.cancelShare >= 0 && opts.cancelShare <= 100, "cancel-rate must be between 0 and 100")
	check(opts.product != "", "product is required")
	check(opts.userPrefix != "", "user-tag is required")
	return opts, errors.Join(errs...)
}

// target описывает границу прогона для отчёта.
func (o options) target() string {
	switch {
	case o.duration <= 0:
		return fmt.Sprintf("count:%d", o.scenarios)
	case o.scenarios > 0:
		return fmt.Sprintf("duration:%s,max-total:%d", o.duration, o.scenarios)
	default:
		return fmt.Sprintf("duration:%s", o.duration)
	}
}

// tracksOversell: без отмен каждая принятая единица должна быть покрыта остатком.
func (o options) tracksOversell() bool {
	return o.seedStock > 0 && o.mode != modePlaceCancel && o.cancelShare == 0
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		exitf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.seedStock > 0 {
		if err := seedProduct(ctx, http.DefaultClient, opts); err != nil {
			exitf("seed product: %v", err)
		}
	}

	clients := make([]orderClient, 0, opts.conns)
	for range opts.conns {
		conn, err := grpc.NewClient(opts.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			exitf("create grpc connection: %v", err)
		}
		defer conn.Close()
		clients = append(clients, grpcsvc.NewOrderServiceClient(conn))
	}

	result := newRunner(opts, clients).run(ctx)
	printReport(os.Stdout, result, opts)
	if opts.reportPath != "" {
		if err := writeJSONReport(opts.reportPath, result); err != nil {
			exitf("write report: %v", err)
		}
	}
	if result.FailedScenarios > 0 || result.Oversold {
		os.Exit(1)
	}
}

func exitf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
