package app

import (
	"catabot/internal/apperr"
	"catabot/internal/config"
	"catabot/internal/transport"
	"catabot/internal/transport/irc"
	"catabot/internal/transport/telegram"
	"catabot/pkg/logx"
)

// newTransport builds the chat transport selected by runtime.transport.
func newTransport(cfg *config.Config, log logx.Logger) (transport.Transport, error) {
	switch cfg.TransportName() {
	case config.TransportIRC:
		if cfg.IRC == nil {
			return nil, apperr.Configf("runtime.transport is irc but the irc section is missing")
		}
		ic := cfg.IRC
		delay, err := config.ParseDurationField("irc.reconnect_delay", ic.ReconnectDelay)
		if err != nil {
			return nil, apperr.Configuration(err)
		}
		channels := make([]irc.Channel, 0, len(ic.Channels))
		for _, c := range ic.Channels {
			name, key := config.SplitChannel(c)
			channels = append(channels, irc.Channel{Name: name, Key: key})
		}
		return irc.New(irc.Config{
			Addr:               ic.Address(),
			TLS:                ic.TLS,
			InsecureSkipVerify: ic.InsecureSkipVerify,
			ServerPassword:     ic.ServerPassword,
			Nick:               ic.Nick,
			User:               ic.User,
			RealName:           ic.RealName,
			Password:           ic.Password,
			Channels:           channels,
			ReconnectDelay:     delay,
		}, log.With(logx.String("comp", "irc"))), nil
	case config.TransportTelegram:
		if cfg.Telegram == nil {
			return nil, apperr.Configf("runtime.transport is telegram but the telegram section is missing")
		}
		poll, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
		if err != nil {
			return nil, apperr.Configuration(err)
		}
		return telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: poll,
		}, log.With(logx.String("comp", "telegram")))
	default:
		return nil, apperr.Configf("unknown runtime.transport %q", cfg.Runtime.Transport)
	}
}
