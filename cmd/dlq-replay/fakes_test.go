package main

import (
	"errors"

	"github.com/IBM/sarama"
)

type offsetWindow struct {
	oldest int64
	newest int64
}

type fakeOffsets struct {
	partitions []int32
	windows    map[int32]offsetWindow
	err        error
}

func (f *fakeOffsets) Partitions(string) ([]int32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.partitions == nil {
		return []int32{0}, nil
	}
	return f.partitions, nil
}

func (f *fakeOffsets) GetOffset(_ string, partition int32, at int64) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	window := f.windows[partition]
	if at == sarama.OffsetOldest {
		return window.oldest, nil
	}
	return window.newest, nil
}

type fakeStream struct {
	messages chan *sarama.ConsumerMessage
	errs     chan *sarama.ConsumerError
	closed   bool
}

// bufferedStream отдаёт сообщения и закрывает канал.
func bufferedStream(messages ...*sarama.ConsumerMessage) *fakeStream {
	s := &fakeStream{
		messages: make(chan *sarama.ConsumerMessage, len(messages)),
		errs:     make(chan *sarama.ConsumerError),
	}
	for _, msg := range messages {
		s.messages <- msg
	}
	close(s.messages)
	return s
}

func silentStream() *fakeStream {
	return &fakeStream{
		messages: make(chan *sarama.ConsumerMessage),
		errs:     make(chan *sarama.ConsumerError),
	}
}

func (s *fakeStream) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *fakeStream) Errors() <-chan *sarama.ConsumerError     { return s.errs }
func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type fakeSource struct {
	streams map[int32]*fakeStream
	err     error
	calls   []consumeCall
}

func (f *fakeSource) ConsumePartition(_ string, partition int32, offset int64) (partitionStream, error) {
	f.calls = append(f.calls, consumeCall{partition: partition, offset: offset})
	if f.err != nil {
		return nil, f.err
	}
	stream, ok := f.streams[partition]
	if !ok {
		return nil, errors.New("unexpected partition")
	}
	return stream, nil
}

type closeRecorder struct {
	name  string
	order *[]string
}

func (c closeRecorder) Close() error {
	*c.order = append(*c.order, c.name)
	return nil
}
