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

// Package netproto enumerates the transport protocols a persistent
// connection may run over.
package netproto

// NetworkProtocol identifies the net.Dial/net.Listen network string a
// socket configuration resolves to.
type NetworkProtocol uint8

const (
	NetworkEmpty NetworkProtocol = iota
	NetworkTCP
	NetworkTCP4
	NetworkTCP6
	NetworkUnix
)

var codes = map[NetworkProtocol]string{
	NetworkEmpty: "",
	NetworkTCP:   "tcp",
	NetworkTCP4:  "tcp4",
	NetworkTCP6:  "tcp6",
	NetworkUnix:  "unix",
}

var parse = map[string]NetworkProtocol{
	"":     NetworkEmpty,
	"tcp":  NetworkTCP,
	"tcp4": NetworkTCP4,
	"tcp6": NetworkTCP6,
	"unix": NetworkUnix,
}

// Code returns the net.Dial/net.Listen network string for p, or "" if p
// is not one of the predefined values.
func (p NetworkProtocol) Code() string {
	return codes[p]
}

// String implements fmt.Stringer.
func (p NetworkProtocol) String() string {
	return p.Code()
}

// IsUnix reports whether p addresses a filesystem path rather than a
// host:port pair.
func (p NetworkProtocol) IsUnix() bool {
	return p == NetworkUnix
}

// MarshalText implements encoding.TextMarshaler.
func (p NetworkProtocol) MarshalText() ([]byte, error) {
	return []byte(p.Code()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *NetworkProtocol) UnmarshalText(b []byte) error {
	if v, ok := parse[string(b)]; ok {
		*p = v
		return nil
	}
	*p = NetworkEmpty
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p NetworkProtocol) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.Code() + `"`), nil
}

// MarshalYAML implements yaml.Marshaler.
func (p NetworkProtocol) MarshalYAML() (interface{}, error) {
	return p.Code(), nil
}

// Parse resolves a network string (as accepted by net.Dial) into a
// NetworkProtocol, defaulting to NetworkEmpty for anything unrecognized.
func Parse(s string) NetworkProtocol {
	return parse[s]
}
