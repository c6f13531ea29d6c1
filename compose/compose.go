// Package compose turns raw ledger rows into normalized, length-bounded
// publish requests. Everything here is pure; the only nondeterminism is the
// injected random source used for board selection.
package compose

import (
	"math/rand"
	"strings"
	"time"
	"unicode"

	"pinner/pkg/pin"
)

const (
	maxTitleLen       = 95
	maxDescriptionLen = 495
	descriptionBudget = 400 // Description share once hashtags must fit too
	maxBoardNameLen   = 50
)

// Composer builds upload requests with account-level overrides applied.
type Composer struct {
	randomBoards string
	globalLink   string
	emojis       []string
	rnd          *rand.Rand
}

// New creates a composer for one account. emojis, when non-empty, decorate
// every title and description with one randomly drawn entry. A nil rnd
// falls back to a time-seeded source.
func New(account pin.Account, emojis []string, rnd *rand.Rand) *Composer {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Composer{
		randomBoards: account.RandomBoards,
		globalLink:   account.GlobalLink,
		emojis:       emojis,
		rnd:          rnd,
	}
}

// Request normalizes one raw row into an upload request. The configured
// random board set, when present, wins over the row's own board; a global
// link always wins over the row's link.
func (c *Composer) Request(row pin.Row) pin.UploadRequest {
	board := row.BoardName
	if picked := randomBoard(c.randomBoards, c.rnd); picked != "" {
		board = picked
	}

	link := row.PinLink
	if c.globalLink != "" {
		link = c.globalLink
	}

	// Decoration happens before bounding so the length invariants hold.
	title, description := row.Title, row.Description
	if emoji := c.randomEmoji(); emoji != "" {
		title = decorate(emoji, title)
		description = decorate(emoji, description)
	}

	return pin.UploadRequest{
		FilePath:    row.FilePath,
		BoardName:   board,
		Title:       Truncate(title, maxTitleLen),
		Description: ComposeDescription(description, Hashtags(row.Keyword)),
		Link:        link,
		Mode:        row.Mode,
		Keyword:     row.Keyword,
	}
}

// randomEmoji draws one configured emoji, or "" when none are configured.
func (c *Composer) randomEmoji() string {
	if len(c.emojis) == 0 {
		return ""
	}
	return c.emojis[c.rnd.Intn(len(c.emojis))]
}

// decorate prepends an emoji to non-empty text.
func decorate(emoji, text string) string {
	if text == "" {
		return text
	}
	return emoji + " " + text
}

// BoardSpec bounds a board name and description to the platform limits.
func BoardSpec(name, description string) pin.BoardSpec {
	return pin.BoardSpec{
		Name:        Truncate(name, maxBoardNameLen),
		Description: Truncate(description, maxDescriptionLen),
	}
}

// Truncate hard-cuts text to at most max runes. Already-short text passes
// through untouched, so the operation is idempotent.
func Truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}

// Hashtags converts a keyword string into the platform hashtag block:
// one merged hashtag built from the capitalized whitespace-split words,
// followed by one hashtag per token. Tokens come from a comma split when
// the keyword contains commas, otherwise a whitespace split.
func Hashtags(keyword string) string {
	if strings.TrimSpace(keyword) == "" {
		return ""
	}

	var tokens []string
	if strings.Contains(keyword, ",") {
		tokens = strings.Split(keyword, ",")
	} else {
		tokens = strings.Fields(keyword)
	}

	tags := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = capitalize(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if !strings.HasPrefix(tok, "#") {
			tok = "#" + tok
		}
		tags = append(tags, tok)
	}

	var merged strings.Builder
	merged.WriteString("#")
	for _, word := range strings.Fields(keyword) {
		merged.WriteString(capitalize(word))
	}

	return merged.String() + " " + strings.Join(tags, " ")
}

// ComposeDescription appends hashtags to a description while keeping the
// result within the platform limit. When the pair does not fit, the
// description is cut to its budget first; if the hashtags still overflow,
// they are cut to whatever room remains.
func ComposeDescription(description, hashtags string) string {
	if hashtags == "" {
		return Truncate(description, maxDescriptionLen)
	}

	desc := []rune(description)
	tags := []rune(hashtags)

	if len(desc)+1+len(tags) <= maxDescriptionLen {
		return description + " " + hashtags
	}

	if len(desc) > descriptionBudget {
		desc = desc[:descriptionBudget]
	} else if room := maxDescriptionLen - 1 - len(tags); room >= 0 && room < len(desc) {
		desc = desc[:room]
	}

	if room := maxDescriptionLen - 1 - len(desc); len(tags) > room {
		tags = tags[:room]
	}

	return string(desc) + " " + string(tags)
}

// randomBoard picks one candidate uniformly from a comma-separated list.
// Empty input or a list of blanks yields "".
func randomBoard(candidates string, rnd *rand.Rand) string {
	if strings.TrimSpace(candidates) == "" {
		return ""
	}
	var boards []string
	for _, b := range strings.Split(candidates, ",") {
		if b = strings.TrimSpace(b); b != "" {
			boards = append(boards, b)
		}
	}
	if len(boards) == 0 {
		return ""
	}
	return boards[rnd.Intn(len(boards))]
}

// capitalize upper-cases the first rune and lower-cases the rest.
func capitalize(s string) string {
	if s == "" {
		return ""
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
