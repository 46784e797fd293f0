package pktwire

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the file representation of the options.
//
//	max_frame_size = 1048576
//	request_timeout = "5s"
//	sweep_interval = "500ms"
//	listen_addr = "127.0.0.1:4242"
type Config struct {
	ListenAddr       string   `toml:"listen_addr"`
	MaxFrameSize     int      `toml:"max_frame_size"`
	RequestTimeout   Duration `toml:"request_timeout"`
	SweepInterval    Duration `toml:"sweep_interval"`
	DialTimeout      Duration `toml:"dial_timeout"`
	FlushTimeout     Duration `toml:"flush_timeout"`
	SendBufferSize   uint     `toml:"send_buffer_size"`
	RecvBufferSize   uint     `toml:"recv_buffer_size"`
	CorrelatorShards int      `toml:"correlator_shards"`
	ParallelDispatch bool     `toml:"parallel_dispatch"`
	StrictDecode     bool     `toml:"strict_decode"`
}

// Duration reads a [time.Duration] from its string form.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() (text []byte, err error) {
	text = []byte(d.Duration.String())
	return
}

// LoadConfig reads a TOML file. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	conf := &Config{}
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalidConfig, undecoded)
	}
	return conf, nil
}

// Options translates the file settings, zero values keep the defaults.
func (conf *Config) Options() []Option {
	opts := []Option{
		WithMaxFrameSize(conf.MaxFrameSize),
		WithRequestTimeout(conf.RequestTimeout.Duration),
		WithSweepInterval(conf.SweepInterval.Duration),
		WithDialTimeout(conf.DialTimeout.Duration),
		WithFlushTimeout(conf.FlushTimeout.Duration),
		WithCorrelatorShards(conf.CorrelatorShards),
		WithParallelDispatch(conf.ParallelDispatch),
		WithStrictDecode(conf.StrictDecode),
	}
	if conf.SendBufferSize != 0 || conf.RecvBufferSize != 0 {
		send, recv := conf.SendBufferSize, conf.RecvBufferSize
		if send == 0 {
			send = DefaultQueueSize
		}
		if recv == 0 {
			recv = DefaultQueueSize
		}
		opts = append(opts, WithQueueSizes(send, recv))
	}
	return opts
}
