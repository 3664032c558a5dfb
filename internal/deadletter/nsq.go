package deadletter

import (
	"context"
	"fmt"

	"github.com/nsqio/go-nsq"
)

// Publisher is the part of *nsq.Producer the sink needs.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQSink publishes a Record per entry to an NSQ topic.
type NSQSink struct {
	pub   Publisher
	topic string
}

func NewNSQSink(pub Publisher, topic string) *NSQSink {
	return &NSQSink{pub: pub, topic: topic}
}

func (s *NSQSink) Write(ctx context.Context, e Entry) error {
	b, err := NewRecord(e).Marshal()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := s.pub.Publish(s.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", s.topic, err)
	}
	return nil
}

// DialNSQ connects a producer to nsqd at addr and checks it is reachable.
func DialNSQ(addr string) (*nsq.Producer, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	p.SetLoggerLevel(nsq.LogLevelWarning)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("nsq ping %s: %w", addr, err)
	}
	return p, nil
}
