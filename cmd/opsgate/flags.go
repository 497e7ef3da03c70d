package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// RemoteFlags select the daemon a client command talks to.
type RemoteFlags struct {
	APIUrl     string
	APITimeout time.Duration
	ActorID    string
	ActorLabel string
	Token      string
	CACert     string
	Insecure   bool
	JSON       bool
}

type ServeFlags struct {
	Listen string
}

type LaunchFlags struct {
	LogDir string
}

type TokenFlags struct {
	ActorID    string
	ActorLabel string
	TTL        time.Duration
}

type CancelFlags struct {
	Reason string
}

type HistoryFlags struct {
	Limit int
}
