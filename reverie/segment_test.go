package reverie

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentMessage_SingleChunk(t *testing.T) {
	for _, text := range []string{
		"",
		"short",
		strings.Repeat("a", 2000),
	} {
		parts := SegmentMessage(text, 2000)
		require.Equal(t, []string{text}, parts)
	}
}

func TestSegmentMessage_RoundTrip(t *testing.T) {
	inputs := []string{
		strings.Repeat("word ", 1000),
		strings.Repeat("First paragraph.\n\nSecond paragraph here. ", 200),
		strings.Repeat("No breaks at all ", 500),
		strings.Repeat("x", 4001),
		"Sentence one. Sentence two! Sentence three? " +
			strings.Repeat("trailing words without punctuation ", 100),
	}
	limits := []int{1, 2, 10, 100, 1999, 2000}

	for _, text := range inputs {
		for _, limit := range limits {
			t.Run(
				fmt.Sprintf("len_%d_limit_%d", len(text), limit),
				func(t *testing.T) {
					parts := SegmentMessage(text, limit)
					assert.Equal(t, text, strings.Join(parts, ""))
					for i, part := range parts {
						assert.LessOrEqual(
							t,
							len([]rune(part)),
							limit,
							"part %d exceeds limit",
							i,
						)
					}
				},
			)
		}
	}
}

func TestSegmentMessage_RoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	alphabet := []rune("abc .!?\n日本語 ")
	for i := 0; i < 50; i++ {
		length := rng.Intn(5000)
		runes := make([]rune, length)
		for j := range runes {
			runes[j] = alphabet[rng.Intn(len(alphabet))]
		}
		text := string(runes)
		limit := 1 + rng.Intn(300)

		parts := SegmentMessage(text, limit)
		require.Equal(t, text, strings.Join(parts, ""))
		for _, part := range parts {
			require.LessOrEqual(t, len([]rune(part)), limit)
		}
	}
}

func TestSegmentMessage_PrefersParagraphBreak(t *testing.T) {
	// paragraph break past the halfway point of a 100-rune window
	text := strings.Repeat("a", 70) + "\n\n" + strings.Repeat("b", 100)
	parts := SegmentMessage(text, 100)

	require.GreaterOrEqual(t, len(parts), 2)
	assert.Equal(t, strings.Repeat("a", 70)+"\n\n", parts[0])
	assert.True(t, strings.HasPrefix(parts[1], "b"))
}

func TestSegmentMessage_PrefersSentenceBoundary(t *testing.T) {
	// no paragraph break; sentence end past halfway
	text := strings.Repeat("a", 69) + ". " + strings.Repeat("b", 100)
	parts := SegmentMessage(text, 100)

	require.GreaterOrEqual(t, len(parts), 2)
	assert.Equal(t, strings.Repeat("a", 69)+".", parts[0])
	assert.True(t, strings.HasPrefix(parts[1], " b"))
}

func TestSegmentMessage_HardCutWithoutBoundary(t *testing.T) {
	// boundary exists but before the halfway point: hard cut at limit
	text := "a. " + strings.Repeat("b", 200)
	parts := SegmentMessage(text, 100)

	require.GreaterOrEqual(t, len(parts), 2)
	assert.Equal(t, 100, len([]rune(parts[0])))
}

func TestSegmentMessage_DeterministicChunkCount(t *testing.T) {
	text := strings.Repeat("Sentence here. ", 500)
	first := SegmentMessage(text, 250)
	second := SegmentMessage(text, 250)
	assert.Equal(t, first, second)
}
