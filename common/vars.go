package common

// Version is set at build time with
// -ldflags "-X github.com/keyfall/keyfall/common.Version=v1.2.3".
var Version = "dev"
