// Command dlq-replay возвращает сообщения из storefront.dlq в исходные топики:
// задачи сверки в storefront.reconciliation, недоставленные события заказов в storefront.order.events.
// Без -execute только печатает кандидатов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const envKafkaBrokers = "STOREFRONT_KAFKA_BROKERS"

type options struct {
	brokers    []string
	source     string
	orderTopic string
	origin     string
	limit      int
	execute    bool
	tail       bool
	idle       time.Duration
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.WithError(err).Fatal("invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := replay(ctx, opts, connectKafka); err != nil {
		log.WithError(err).Fatal("dlq replay failed")
	}
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)

	var (
		opts    options
		brokers string
	)
	fs.StringVar(&brokers, "brokers", getenv(envKafkaBrokers), "comma-separated Kafka brokers (default $"+envKafkaBrokers+")")
	fs.StringVar(&opts.source, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&opts.orderTopic, "target-topic", kafka.TopicOrderEvents, "topic for outbox dead letters")
	fs.StringVar(&opts.origin, "only-topic", "", "replay only letters whose original topic matches")
	fs.IntVar(&opts.limit, "limit", 100, "max messages to scan across partitions")
	fs.BoolVar(&opts.execute, "execute", false, "publish messages instead of printing them")
	fs.BoolVar(&opts.tail, "from-newest", false, "scan the newest messages of each partition")
	fs.DurationVar(&opts.idle, "idle-timeout", 2*time.Second, "stop reading a partition after this much silence")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.brokers = splitList(brokers)
	opts.source = strings.TrimSpace(opts.source)
	opts.orderTopic = strings.TrimSpace(opts.orderTopic)
	opts.origin = strings.TrimSpace(opts.origin)
	return opts, opts.validate()
}

func (o options) validate() error {
	var errs []error
	if len(o.brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers))
	}
	if o.source == "" {
		errs = append(errs, errors.New("source-topic is required"))
	}
	if o.orderTopic == "" {
		errs = append(errs, errors.New("target-topic is required"))
	}
	if o.limit <= 0 {
		errs = append(errs, errors.New("limit must be > 0"))
	}
	if o.idle <= 0 {
		errs = append(errs, errors.New("idle-timeout must be > 0"))
	}
	return errors.Join(errs...)
}

func (o options) mode() string {
	if o.execute {
		return "execute"
	}
	return "dry-run"
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// replay подключается к Kafka через connect и прогоняет один проход по DLQ.
func replay(ctx context.Context, opts options, connect connectFunc) (summary, error) {
	clients, err := connect(opts)
	if err != nil {
		return summary{}, err
	}
	defer clients.Close()

	r := &replayer{
		opts:    opts,
		offsets: clients.offsets,
		source:  clients.source,
		sink:    clients.sink,
		logger: log.WithFields(log.Fields{
			"component":    "dlq-replay",
			"source_topic": opts.source,
			"mode":         opts.mode(),
		}),
	}
	return r.run(ctx)
}
