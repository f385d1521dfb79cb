/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when the configuration is missing or
	// invalid, such as a server without a key or an unparsable client
	// address.
	ErrConfiguration = errors.New("configuration error")
	// ErrJoin is returned when joining a channel failed.
	ErrJoin = errors.New("join error")
	// ErrConnectionLost is returned when an established client connection
	// closed. It is never retried automatically.
	ErrConnectionLost = errors.New("connection lost")
	// ErrUnexpectedState is returned when an event arrives that does not
	// match the current lifecycle state.
	ErrUnexpectedState = errors.New("unexpected state")
)

// ChannelError is an error scoped to a channel.
type ChannelError struct {
	// Kind is one of the sentinel errors of this package.
	Kind error
	// Channel is the channel the error relates to, if any.
	Channel string
	// Err is the underlying error, if any.
	Err error
}

// Error implements error.
func (e *ChannelError) Error() string {
	msg := e.Kind.Error()
	if e.Channel != "" {
		msg = fmt.Sprintf("%s: channel %q", msg, e.Channel)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the kind and the underlying error.
func (e *ChannelError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newChannelError(kind error, channel string, err error) *ChannelError {
	return &ChannelError{Kind: kind, Channel: channel, Err: err}
}

// IsConfigurationError returns true if the error is a configuration error.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsJoinError returns true if the error is a join error.
func IsJoinError(err error) bool {
	return errors.Is(err, ErrJoin)
}

// IsConnectionLost returns true if the error is a lost connection.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}

// IsUnexpectedState returns true if the error is an unexpected state error.
func IsUnexpectedState(err error) bool {
	return errors.Is(err, ErrUnexpectedState)
}
