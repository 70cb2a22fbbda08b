package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ResultCode is the first element of every command reply.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultStarted
	ResultQueued
	ResultFailed
	ResultAborted
	ResultRejected
)

var resultNames = [...]string{
	ResultOK:       "OK",
	ResultStarted:  "STARTED",
	ResultQueued:   "QUEUED",
	ResultFailed:   "FAILED",
	ResultAborted:  "ABORTED",
	ResultRejected: "REJECTED",
}

func (c ResultCode) String() string {
	if c < 0 || int(c) >= len(resultNames) {
		return fmt.Sprintf("ResultCode(%d)", int(c))
	}
	return resultNames[c]
}

func (c ResultCode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ResultCode) UnmarshalText(b []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(b)))
	for i, n := range resultNames {
		if n == name {
			*c = ResultCode(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown result code %q", ErrInvalidArgument, name)
}

// ParseResultCode is the inverse of ResultCode.String.
func ParseResultCode(name string) (ResultCode, error) {
	var c ResultCode
	err := c.UnmarshalText([]byte(name))
	return c, err
}

// CommandResult is the reply of a command: (result_code, message, command_id).
type CommandResult struct {
	Code      ResultCode `json:"result_code"`
	Message   string     `json:"message"`
	CommandID string     `json:"command_id"`
}

// Succeeded reports whether the command was accepted or completed.
func (r CommandResult) Succeeded() bool {
	switch r.Code {
	case ResultOK, ResultStarted, ResultQueued:
		return true
	}
	return false
}

func (r CommandResult) String() string {
	if r.Message == "" {
		return fmt.Sprintf("%s [%s]", r.Code, r.CommandID)
	}
	return fmt.Sprintf("%s: %s [%s]", r.Code, r.Message, r.CommandID)
}

// NewCommandID returns an opaque identifier for a command invocation, prefixed
// with the command name so that activity logs stay readable.
func NewCommandID(command string) string {
	return command + "-" + uuid.NewString()
}

// Started is shorthand for an accepted long-running command.
func Started(commandID, message string) CommandResult {
	return CommandResult{Code: ResultStarted, Message: message, CommandID: commandID}
}

// OK is shorthand for a command that completed synchronously.
func OK(commandID, message string) CommandResult {
	return CommandResult{Code: ResultOK, Message: message, CommandID: commandID}
}
