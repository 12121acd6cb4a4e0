package activitypub

import "github.com/deemkeen/fedengine/domain"

const PublicAddress = "https://www.w3.org/ns/activitystreams#Public"

// MaxAddressees bounds how many non-collection recipients are resolved
// from a single object.
const MaxAddressees = 256

func IsPublic(addr string) bool {
	switch addr {
	case PublicAddress, "as:Public", "Public":
		return true
	}
	return false
}

// RenderAudience computes to/cc for a post. mentions are the actor uris
// mentioned in the text; recipients are the explicit addressees of a
// specified post.
func RenderAudience(vis domain.Visibility, followersUri string, mentions, recipients []string) (to, cc []string) {
	switch vis {
	case domain.VisibilityPublic:
		to = []string{PublicAddress}
		cc = dedupe(append([]string{followersUri}, mentions...))
	case domain.VisibilityHome:
		to = []string{followersUri}
		cc = dedupe(append([]string{PublicAddress}, mentions...))
	case domain.VisibilityFollowers:
		to = []string{followersUri}
		cc = dedupe(mentions)
	default:
		to = dedupe(append(append([]string{}, recipients...), mentions...))
	}
	return to, cc
}

// Audience is the parsed addressing of an inbound object. Addressees are
// the remaining actor uris, to be resolved by the caller.
type Audience struct {
	Visibility domain.Visibility
	Addressees []string
}

// ParseAudience classifies to/cc relative to the author's followers
// collection.
func ParseAudience(followersUri string, to, cc []string) Audience {
	toPublic, toFollowers, toOther := group(followersUri, to)
	ccPublic, ccFollowers, ccOther := group(followersUri, cc)

	aud := Audience{Visibility: domain.VisibilitySpecified}
	switch {
	case toPublic:
		aud.Visibility = domain.VisibilityPublic
	case ccPublic:
		aud.Visibility = domain.VisibilityHome
	case toFollowers || ccFollowers:
		aud.Visibility = domain.VisibilityFollowers
	}

	others := dedupe(append(toOther, ccOther...))
	if len(others) > MaxAddressees {
		others = others[:MaxAddressees]
	}
	aud.Addressees = others
	return aud
}

func group(followersUri string, addrs []string) (public, followers bool, other []string) {
	for _, a := range addrs {
		switch {
		case a == "":
		case IsPublic(a):
			public = true
		case followersUri != "" && a == followersUri:
			followers = true
		default:
			other = append(other, a)
		}
	}
	return public, followers, other
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
