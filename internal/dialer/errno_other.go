//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package dialer

// Errno values differ per platform here; everything maps through the
// generic fallbacks in ReplyFor.
var errnoReplies []errnoReply
