// Package statusclient is a client for the qmsg status API served by
// `qmsg netproc` and `qmsg relay`.
package statusclient
