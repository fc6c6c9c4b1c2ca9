//go:build !linux

package core

import "time"

func birthTime(string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
