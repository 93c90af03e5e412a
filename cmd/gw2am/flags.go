package main

import "time"

// Flag structs decouple cobra from logic for testing.

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type LaunchFlags struct {
	ID    string
	All   bool
	Async bool
}

type StopFlags struct {
	ID  string
	All bool
}

type AccountAddFlags struct {
	ID         string
	Name       string
	Email      string
	LaunchArgs string
	// PasswordStdin reads the password from the first line of stdin.
	PasswordStdin bool
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}
