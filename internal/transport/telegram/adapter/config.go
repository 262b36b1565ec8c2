package adapter

import "time"

type Config struct {
	Token       string
	PollTimeout time.Duration // default 10s
	// SendTimeout bounds each platform call made by the Sender methods.
	SendTimeout time.Duration // default 30s
	// Offline skips the getMe call; used by tests.
	Offline bool
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}
