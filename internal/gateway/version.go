package gateway

// Version is stamped at build time with -ldflags "-X ...gateway.Version=v1.2.3".
var Version = "dev"
