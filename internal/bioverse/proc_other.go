//go:build !linux

package bioverse

func processRSSBytes() (uint64, bool) { return 0, false }
