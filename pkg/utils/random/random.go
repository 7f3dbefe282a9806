package random

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const letters = "abcdefghjkmnpqrstuvwxyz23456789"

// Code returns a random token, used for server-chosen client seeds.
func Code(length int) string {
	return pickFromSet(letters, length)
}

func pickFromSet(set string, length int) string {
	if length <= 0 {
		return ""
	}
	max := big.NewInt(int64(len(set)))
	runes := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			runes[i] = set[0]
			continue
		}
		runes[i] = set[n.Int64()]
	}
	return string(runes)
}

const (
	cardColumns = 5
	cardRows    = 5
)

// BingoCard draws a 5x5 card over 1..balls, column by column, without the
// free centre square. The result is flat, column-major, 24 numbers.
func BingoCard(balls int) ([]int, error) {
	span := balls / cardColumns
	if span < cardRows {
		return nil, fmt.Errorf("bingo card needs at least %d balls, got %d", cardColumns*cardRows, balls)
	}
	card := make([]int, 0, cardColumns*cardRows-1)
	for col := 0; col < cardColumns; col++ {
		want := cardRows
		if col == cardColumns/2 {
			want--
		}
		picked, err := pickDistinct(col*span+1, span, want)
		if err != nil {
			return nil, err
		}
		card = append(card, picked...)
	}
	return card, nil
}

// pickDistinct takes want numbers from [lo, lo+span) with a partial shuffle.
func pickDistinct(lo, span, want int) ([]int, error) {
	pool := make([]int, span)
	for i := range pool {
		pool[i] = lo + i
	}
	for i := 0; i < want; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(span-i)))
		if err != nil {
			return nil, err
		}
		j := i + int(n.Int64())
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:want], nil
}
