//go:build !linux

package gateway

func processRSSBytes() (rssBytes uint64, ok bool) {
	return 0, false
}
