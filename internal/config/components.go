// helpers mapping the loaded configuration onto the settings types of the
// cgo-free packages. Camera, motion and face settings are mapped in main,
// next to the OpenCV constructors that consume them.

package config

import (
	"github.com/mikeyg42/lockguard/internal/capture"
	"github.com/mikeyg42/lockguard/internal/lockstate"
	"github.com/mikeyg42/lockguard/internal/notification"
)

// CaptureConfig maps the session section onto capture.Config.
func (c *Config) CaptureConfig() capture.Config {
	return capture.Config{
		Device:            c.Camera.Device,
		ClipPath:          c.Session.ClipPath,
		FPS:               c.Camera.FPS,
		InactivityTimeout: c.Session.InactivityTimeout,
		ArmTimeout:        c.Session.ArmTimeout,
		OpenAttempts:      c.Session.OpenRetries,
		ReadAttempts:      c.Session.ReadRetries,
		RetryInterval:     c.Session.RetryInterval,
	}
}

// LockCommand returns the external probe used when lock.probe is "command".
func (c *Config) LockCommand() lockstate.CommandProbe {
	p := lockstate.CommandProbe{Match: c.Lock.Match}
	if len(c.Lock.Command) > 0 {
		p.Name = c.Lock.Command[0]
		p.Args = append([]string(nil), c.Lock.Command[1:]...)
	}
	return p
}

func (c *Config) SMTPConfig() notification.SMTPConfig {
	return notification.SMTPConfig{
		Host:       c.Email.SMTP.Host,
		Port:       c.Email.SMTP.Port,
		Username:   c.Email.SMTP.Username,
		Password:   c.Email.SMTP.Password,
		From:       c.Email.From,
		FromName:   c.Email.FromName,
		SystemName: c.SystemName,
		Timeout:    c.Email.SMTP.Timeout,
	}
}

func (c *Config) GmailConfig() notification.GmailConfig {
	return notification.GmailConfig{
		ClientID:     c.Email.Gmail.ClientID,
		ClientSecret: c.Email.Gmail.ClientSecret,
		RedirectURL:  c.Email.Gmail.RedirectURL,
		TokenPath:    c.Email.Gmail.TokenPath,
		MasterKey:    c.MasterKey,
		From:         c.Email.From,
		FromName:     c.Email.FromName,
		SystemName:   c.SystemName,
	}
}

func (c *Config) RetryPolicy() notification.RetryPolicy {
	return notification.RetryPolicy{
		Attempts: c.Email.RetryAttempts,
		Interval: c.Email.RetryInterval,
	}
}
