/*
Package log provides structured logging built on zerolog.

A package-level Logger is configured once via Init; subsystems derive
child loggers via WithComponent and the WithInstance/WithNetworkID/
WithLayerDigest helpers rather than writing fields ad hoc, so that
every log line from the same subsystem carries a consistent
"component" tag.
*/
package log
