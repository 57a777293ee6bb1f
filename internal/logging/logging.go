package logging

import (
	"io"
	"log"
	"os"
)

const prefix = "pingsanto-monitor "

func New() *log.Logger {
	return NewWriter(os.Stdout)
}

func NewWriter(w io.Writer) *log.Logger {
	return log.New(w, prefix, log.LstdFlags|log.LUTC)
}

// Component derives a logger that tags every line with the component name.
func Component(base *log.Logger, name string) *log.Logger {
	if base == nil {
		return Discard()
	}
	return log.New(base.Writer(), base.Prefix()+"["+name+"] ", base.Flags())
}

// Discard returns a logger that drops everything; used when no logger is injected.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
