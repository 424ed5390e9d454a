package main

import "time"

// ClientFlags are shared by every command that talks to a running daemon.
type ClientFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
}

type StartFlags struct {
	AppID   string
	Command string
	Folder  string
	// Yes confirms a force kill without asking and retries the start.
	Yes bool
}

type LogsFlags struct {
	Follow bool
	Raw    bool
}

type KillPortFlags struct {
	Force bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}
