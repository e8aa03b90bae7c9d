package transform

import (
	"fmt"
	"strings"
)

// DecodeVLQ decodes consecutive base64 VLQ values
func DecodeVLQ(s string) ([]int, error) {
	var values []int
	shift, acc := 0, 0
	for i := 0; i < len(s); i++ {
		digit := strings.IndexByte(base64Digits, s[i])
		if digit < 0 {
			return nil, fmt.Errorf("invalid VLQ digit %q", s[i])
		}
		acc += (digit & 0x1f) << shift
		if digit&0x20 != 0 {
			shift += 5
			continue
		}
		v := acc >> 1
		if acc&1 == 1 {
			v = -v
		}
		values = append(values, v)
		shift, acc = 0, 0
	}
	if shift != 0 {
		return nil, fmt.Errorf("truncated VLQ")
	}
	return values, nil
}
