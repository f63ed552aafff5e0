// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

const (
	// appName is the application name.
	appName string = "cjd"
)

// Version is the application version. It is a variable so that it can be
// overridden at build time with
// '-ldflags "-X main.Version=fullsemver"'.
var Version = "0.1.0-pre"
