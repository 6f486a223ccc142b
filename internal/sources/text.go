package sources

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

// decodeGBK converts a GBK field from the hq.sinajs/qt.gtimg text
// protocols to UTF-8. Already-valid UTF-8 passes through, so numeric
// fields and ASCII cost nothing.
func decodeGBK(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	out, err := simplifiedchinese.GBK.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return out
}
