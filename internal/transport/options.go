package transport

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type Options struct {
	Header           http.Header
	HandshakeTimeout time.Duration

	// PingInterval is how often the client pings; a socket with no pong or
	// frame for PongWait is treated as dead.
	PingInterval  time.Duration
	PongWait      time.Duration
	WriteDeadline time.Duration
	SendBuffer    int

	// Reconnect curve. Multiplier 1 with RandomizationFactor 0 gives a
	// constant delay of InitialBackoff. Retries never stop until Close.
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	Multiplier          float64
	RandomizationFactor float64

	Logger        *zap.SugaredLogger
	OnStateChange func(State)
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout:    10 * time.Second,
		PingInterval:        25 * time.Second,
		PongWait:            60 * time.Second,
		WriteDeadline:       10 * time.Second,
		SendBuffer:          256,
		InitialBackoff:      500 * time.Millisecond,
		MaxBackoff:          30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

func (o *Options) fill() {
	d := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 2
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = d.WriteDeadline
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.Multiplier < 1 {
		o.Multiplier = d.Multiplier
	}
	if o.RandomizationFactor < 0 || o.RandomizationFactor >= 1 {
		o.RandomizationFactor = d.RandomizationFactor
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
}

func (o Options) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialBackoff
	b.MaxInterval = o.MaxBackoff
	b.Multiplier = o.Multiplier
	b.RandomizationFactor = o.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
