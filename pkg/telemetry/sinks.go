package telemetry

import (
	"fmt"
	"io"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/itohio/goreflow/pkg/runmode"
)

// LogSink writes telemetry lines and run transitions to a logger.
type LogSink struct {
	log *zap.SugaredLogger
}

// NewLogSink creates a log sink.
func NewLogSink(log *zap.SugaredLogger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(ev Event) error {
	switch {
	case ev.Completed:
		s.log.Infow("run completed", "elapsed", ev.Elapsed)
	case ev.Stopped:
		s.log.Infow("run stopped", "elapsed", ev.Elapsed)
	}
	for z := runmode.Top; z < runmode.Zones; z++ {
		if ev.Active[z] {
			s.log.Info(FromTerms(ev.Elapsed, ev.Terms[z]).Tagged(z))
		}
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// WriterSink writes zone-tagged lines, one per active zone, to w.
type WriterSink struct {
	name string
	w    io.Writer
}

// NewWriterSink wraps w. If w is an io.Closer it is closed with the sink.
func NewWriterSink(name string, w io.Writer) *WriterSink {
	return &WriterSink{name: name, w: w}
}

// OpenSerial opens a serial port and streams telemetry lines to it.
func OpenSerial(port string, baud int) (*WriterSink, error) {
	conn, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", port)
	}
	return NewWriterSink("serial "+port, conn), nil
}

func (s *WriterSink) Name() string { return s.name }

func (s *WriterSink) Publish(ev Event) error {
	for z := runmode.Top; z < runmode.Zones; z++ {
		if !ev.Active[z] {
			continue
		}
		if _, err := fmt.Fprintln(s.w, FromTerms(ev.Elapsed, ev.Terms[z]).Tagged(z)); err != nil {
			return err
		}
	}
	return nil
}

func (s *WriterSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MQTTPublisher is the part of mqtt.Client the sink uses.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each zone's line to <topic>/<zone> and the run state to
// <topic>/state (retained).
type MQTTSink struct {
	mu      sync.Mutex
	client  MQTTPublisher
	topic   string
	timeout time.Duration
	closer  func()
}

// NewMQTTSink wraps an existing client.
func NewMQTTSink(client MQTTPublisher, topic string) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, timeout: 2 * time.Second}
}

// DialMQTT connects to broker and returns a sink owning the connection.
// An empty clientID gets a random one.
func DialMQTT(log *zap.SugaredLogger, broker, clientID, topic string) (*MQTTSink, error) {
	if clientID == "" {
		clientID = "reflowd-" + uuid.NewString()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnw("MQTT connection lost", "broker", broker, "err", err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			log.Infow("connected to MQTT broker", "broker", broker, "client_id", clientID)
		})

	client := mqtt.NewClient(opts)
	t := client.Connect()
	if !t.WaitTimeout(10 * time.Second) {
		return nil, errors.Errorf("timed out connecting to %s", broker)
	}
	if err := t.Error(); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", broker)
	}

	s := NewMQTTSink(client, topic)
	s.closer = func() { client.Disconnect(250) }
	return s, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Publish(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for z := runmode.Top; z < runmode.Zones; z++ {
		if !ev.Active[z] {
			continue
		}
		line := FromTerms(ev.Elapsed, ev.Terms[z]).String()
		if err := s.wait(s.client.Publish(s.topic+"/"+z.String(), 0, false, line)); err != nil {
			return err
		}
	}
	return s.wait(s.client.Publish(s.topic+"/state", 0, true, ev.State.String()))
}

func (s *MQTTSink) wait(t mqtt.Token) error {
	if !t.WaitTimeout(s.timeout) {
		return errors.New("mqtt publish timed out")
	}
	return t.Error()
}

func (s *MQTTSink) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}
