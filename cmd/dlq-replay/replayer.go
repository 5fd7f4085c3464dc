package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

type summary struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *summary) merge(other summary) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

type replayer struct {
	opts    options
	offsets offsetReader
	source  partitionSource
	sink    publisher
	logger  *log.Entry
}

// run читает partitions по возрастанию номера, пока не исчерпан limit.
func (r *replayer) run(ctx context.Context) (summary, error) {
	var total summary
	if r.offsets == nil || r.source == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.opts.execute && r.sink == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.offsets.Partitions(r.opts.source)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.opts.source, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		budget := r.opts.limit - total.scanned
		if budget <= 0 {
			break
		}
		part, err := r.drain(ctx, partition, budget)
		total.merge(part)
		if err != nil {
			return total, fmt.Errorf("partition %d: %w", partition, err)
		}
	}

	r.logger.WithFields(log.Fields{
		"partitions": len(partitions),
		"scanned":    total.scanned,
		"replayed":   total.replayed,
		"skipped":    total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

// window возвращает полуинтервал [start, end) offset'ов, доступных на момент запуска.
func (r *replayer) window(partition int32, budget int) (int64, int64, error) {
	oldest, err := r.offsets.GetOffset(r.opts.source, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("oldest offset: %w", err)
	}
	end, err := r.offsets.GetOffset(r.opts.source, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("newest offset: %w", err)
	}
	start := oldest
	if r.opts.tail {
		start = max(end-int64(budget), oldest)
	}
	return start, end, nil
}

func (r *replayer) drain(ctx context.Context, partition int32, budget int) (summary, error) {
	var part summary

	start, end, err := r.window(partition, budget)
	if err != nil || start >= end {
		return part, err
	}

	stream, err := r.source.ConsumePartition(r.opts.source, partition, start)
	if err != nil {
		return part, fmt.Errorf("consume from %d: %w", start, err)
	}
	defer func() { _ = stream.Close() }()

	idle := time.NewTimer(r.opts.idle)
	defer idle.Stop()

	errs := stream.Errors()
	for part.scanned < budget {
		select {
		case <-ctx.Done():
			return part, ctx.Err()
		case <-idle.C:
			r.logger.WithField("partition", partition).Warn("partition went idle before its end offset")
			return part, nil
		case consumeErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if consumeErr != nil {
				return part, consumeErr
			}
		case msg, ok := <-stream.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return part, nil
			}
			idle.Reset(r.opts.idle)
			part.scanned++

			replayed, err := r.handle(ctx, msg)
			if err != nil {
				return part, err
			}
			if replayed {
				part.replayed++
			} else {
				part.skipped++
			}
			if msg.Offset+1 >= end {
				return part, nil
			}
		}
	}
	return part, nil
}

// handle сообщает, было ли сообщение переиграно (или, в dry-run, стало бы).
func (r *replayer) handle(ctx context.Context, msg *sarama.ConsumerMessage) (bool, error) {
	logger := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	record, err := decodeDeadLetter(msg, r.opts.orderTopic)
	switch {
	case errors.Is(err, errUnknownLetter):
		return false, nil
	case err != nil:
		logger.WithError(err).Warn("skip malformed dead letter")
		return false, nil
	case r.opts.origin != "" && record.topic != r.opts.origin:
		return false, nil
	}

	logger = logger.WithFields(log.Fields{
		"target_topic": record.topic,
		"key":          record.key,
		"event_type":   record.eventType,
		"attempt":      record.attempt,
	})
	if !r.opts.execute {
		logger.Info("dlq replay candidate")
		return true, nil
	}

	if err := r.sink.PublishRaw(ctx, record.topic, record.key, record.value, record.headers()...); err != nil {
		return false, fmt.Errorf("republish offset %d: %w", msg.Offset, err)
	}
	logger.Debug("dead letter replayed")
	return true, nil
}
