/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package socketcfg holds the client- and server-side socket configuration
// structs this module's agent and connection manager are built from, in
// the shape viper.Unmarshal populates directly from a config file or
// environment variables.
package socketcfg

import (
	"net"
	"os"

	"github.com/nabbar/persistdbd/netproto"
	"github.com/nabbar/persistdbd/perrors"
	libval "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = libval.New()

// TLS carries the minimal TLS knobs this module exposes; certificate and
// key material are loaded by the caller and handed to crypto/tls directly.
type TLS struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
	CAFile   string `mapstructure:"ca_file" yaml:"ca_file"`
}

// Client configures the agent's outbound connection to the DBD.
type Client struct {
	Network netproto.NetworkProtocol `mapstructure:"network" yaml:"network" validate:"required"`
	Address string                   `mapstructure:"address" yaml:"address" validate:"required"`
	TLS     TLS                      `mapstructure:"tls" yaml:"tls"`
}

// LoadClientFile reads a Client config from a YAML file on disk.
func LoadClientFile(path string) (Client, error) {
	var c Client
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, perrors.New(perrors.UnknownError, "read client config", err)
	}
	if err = yaml.Unmarshal(raw, &c); err != nil {
		return c, perrors.New(perrors.UnknownError, "parse client config", err)
	}
	return c, nil
}

// Validate checks struct-level constraints, then that Network is one of
// the predefined protocols and that Address resolves for it.
func (c Client) Validate() error {
	if err := validate.Struct(c); err != nil {
		return perrors.New(perrors.UnknownError, "invalid client config", err)
	}
	switch c.Network {
	case netproto.NetworkTCP, netproto.NetworkTCP4, netproto.NetworkTCP6:
		if _, err := net.ResolveTCPAddr(c.Network.Code(), c.Address); err != nil {
			return perrors.New(perrors.UnknownError, "invalid client address", err)
		}
	case netproto.NetworkUnix:
		if c.Address == "" {
			return perrors.New(perrors.UnknownError, "empty unix socket path", nil)
		}
	default:
		return ErrInvalidProtocol
	}
	return nil
}

// Server configures the persistent-connection manager's listener.
type Server struct {
	Network  netproto.NetworkProtocol `mapstructure:"network" yaml:"network" validate:"required"`
	Address  string                   `mapstructure:"address" yaml:"address" validate:"required"`
	TLS      TLS                      `mapstructure:"tls" yaml:"tls"`
	MaxConns int                      `mapstructure:"max_conns" yaml:"max_conns" validate:"gte=0"`
}

// LoadServerFile reads a Server config from a YAML file on disk.
func LoadServerFile(path string) (Server, error) {
	var s Server
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, perrors.New(perrors.UnknownError, "read server config", err)
	}
	if err = yaml.Unmarshal(raw, &s); err != nil {
		return s, perrors.New(perrors.UnknownError, "parse server config", err)
	}
	return s, nil
}

// Validate checks struct-level constraints, then that Network is one of
// the predefined protocols and that Address resolves for it.
func (s Server) Validate() error {
	if err := validate.Struct(s); err != nil {
		return perrors.New(perrors.UnknownError, "invalid server config", err)
	}
	switch s.Network {
	case netproto.NetworkTCP, netproto.NetworkTCP4, netproto.NetworkTCP6:
		if _, err := net.ResolveTCPAddr(s.Network.Code(), s.Address); err != nil {
			return perrors.New(perrors.UnknownError, "invalid server address", err)
		}
	case netproto.NetworkUnix:
		if s.Address == "" {
			return perrors.New(perrors.UnknownError, "empty unix socket path", nil)
		}
	default:
		return ErrInvalidProtocol
	}
	return nil
}

// ErrInvalidProtocol is returned by Validate when Network is not one of
// the predefined transports.
var ErrInvalidProtocol = perrors.New(perrors.UnknownError, "invalid protocol", nil)
