//go:build !real_waku

package channel

// Default builds carry no go-waku dependency at link time; the node falls
// back to the in-process segment transport.
func newGoWakuBackend() channelBackend { return nil }
