// Package tokens holds the character based token estimate used for quota
// accounting and the context trimmer built on it.
package tokens

import "unicode/utf8"

const charsPerToken = 4

// Estimate returns ceil(chars/4), counting Unicode code points.
func Estimate(text string) int64 {
	n := int64(utf8.RuneCountInString(text))
	return (n + charsPerToken - 1) / charsPerToken
}

// Counter estimates an accumulating text without rescanning it.
type Counter struct {
	chars int64
}

func (c *Counter) Add(fragment string) {
	c.chars += int64(utf8.RuneCountInString(fragment))
}

// Tokens equals Estimate of everything added so far.
func (c *Counter) Tokens() int64 {
	return (c.chars + charsPerToken - 1) / charsPerToken
}
