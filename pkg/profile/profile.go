// Package profile turns raw upstream records into the normalized profile that
// drives rendering and storage naming.
package profile

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/upstream"
)

// Profile is the normalized view of a user. It is built once and never
// modified afterwards.
type Profile struct {
	URL              string `json:"url"`
	Name             string `json:"name"`
	Fullname         string `json:"fullname"`
	AvatarURL        string `json:"avatar_url"`
	Score            int    `json:"score"`
	RankTitle        string `json:"rank"`
	Ranking          int    `json:"ranking"`
	RankingTot       int    `json:"ranking_tot"`
	TopPercent       string `json:"top"`
	ChallengesSolved int    `json:"challenges_solved"`
	ChallengesTotal  int    `json:"challenges_total"`
}

// Normalize builds the Profile of id from its raw record and the current
// counters. Avatar URL and rank title are looked up through details, whose
// errors are the only ones returned.
func Normalize(raw upstream.RawProfile, id upstream.Identity, counters upstream.Counters, details upstream.DetailsSource, siteURL string) (Profile, error) {
	avatar, err := details.AvatarURL(id)
	if err != nil {
		return Profile{}, fmt.Errorf("looking up avatar of %s: %w", id.Label(), err)
	}
	rank, err := details.RankTitle(id)
	if err != nil {
		return Profile{}, fmt.Errorf("looking up rank of %s: %w", id.Label(), err)
	}

	name := raw.Name
	if name == "" {
		name = id.Username
	}
	fullname := upstream.Identity{Username: name, ID: id.ID}.Label()

	return Profile{
		URL:              strings.TrimRight(siteURL, "/") + "/" + url.PathEscape(fullname),
		Name:             name,
		Fullname:         fullname,
		AvatarURL:        avatar,
		Score:            int(raw.Score),
		RankTitle:        rank,
		Ranking:          int(raw.Position),
		RankingTot:       counters.Users,
		TopPercent:       TopPercent(int(raw.Position), counters.Users),
		ChallengesSolved: len(raw.Validations),
		ChallengesTotal:  counters.Challenges,
	}, nil
}

// Synthetic is the record substituted for users the API has no record of,
// which is the case for users who never scored: last place, no validation.
func Synthetic(id upstream.Identity, counters upstream.Counters) upstream.RawProfile {
	return upstream.RawProfile{
		ID:       upstream.FlexInt(id.ID),
		Name:     id.Username,
		Position: upstream.FlexInt(counters.Users),
	}
}

// TopPercent formats 100*position/users with two decimals. An unknown user
// count is treated as 1.
func TopPercent(position, users int) string {
	if users < 1 {
		users = 1
	}
	return fmt.Sprintf("%.2f%%", 100*float64(position)/float64(users))
}
