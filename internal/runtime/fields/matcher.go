package fields

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/nexo/internal/browser"
)

// Role is one of the standard form-field roles modules fill
type Role string

const (
	RoleEmail    Role = "email"
	RoleUsername Role = "username"
	RolePassword Role = "password"
	RoleComment  Role = "comment"
	RoleWebsite  Role = "website"
	RoleName     Role = "name"
	RoleBio      Role = "bio"
)

// AllRoles lists the full role set
var AllRoles = []Role{RoleEmail, RoleUsername, RolePassword, RoleComment, RoleWebsite, RoleName, RoleBio}

// MinConfidence is the assignment threshold: below it the role is absent
const MinConfidence = 0.60

// Candidate describes one visible input/textarea/select on the page
type Candidate struct {
	Index        int    `json:"index"`
	Tag          string `json:"tag"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	ID           string `json:"id"`
	Placeholder  string `json:"placeholder"`
	Autocomplete string `json:"autocomplete"`
	Label        string `json:"label"`
	Nearby       string `json:"nearby"`
	Visible      bool   `json:"visible"`
	Selector     string `json:"selector"`
}

// Match is a role assignment with its score
type Match struct {
	Locator    browser.Locator
	Confidence float64
}

// roleTokens are substrings hunted for in attributes and label text
var roleTokens = map[Role][]string{
	RoleEmail:    {"email", "e-mail", "mail"},
	RoleUsername: {"username", "user_name", "user-name", "login", "nickname", "handle"},
	RolePassword: {"password", "passwd", "pwd"},
	RoleComment:  {"comment", "message", "reply", "body", "text"},
	RoleWebsite:  {"website", "url", "site", "homepage"},
	RoleName:     {"name", "fullname", "full_name", "author", "first_name", "last_name"},
	RoleBio:      {"bio", "about", "description", "profile", "signature"},
}

// strictTypes give the +0.70 input-type match per role
var strictTypes = map[Role]string{
	RoleEmail:    "email",
	RolePassword: "password",
	RoleWebsite:  "url",
}

// attribute weights, diminishing; the sum of token hits is capped
const (
	weightName         = 0.30
	weightID           = 0.25
	weightPlaceholder  = 0.20
	weightAutocomplete = 0.20
	weightLabel        = 0.15
	weightNearby       = 0.10
	tokenScoreCap      = 0.60
)

// collectJS gathers every form field with its attributes, its associated
// label text, and a stable selector. Runs in the main frame.
const collectJS = `(() => {
	const fields = [];
	const els = document.querySelectorAll('input, textarea, select');
	els.forEach((el, i) => {
		const style = window.getComputedStyle(el);
		const visible = style.display !== 'none' && style.visibility !== 'hidden' &&
			el.offsetParent !== null && el.type !== 'hidden';
		let label = '';
		if (el.id) {
			const l = document.querySelector('label[for="' + CSS.escape(el.id) + '"]');
			if (l) label = l.textContent.trim();
		}
		if (!label && el.closest('label')) label = el.closest('label').textContent.trim();
		let nearby = '';
		const parent = el.parentElement;
		if (parent) nearby = parent.textContent.trim().slice(0, 120);
		let selector = '';
		if (el.id) selector = '#' + CSS.escape(el.id);
		else if (el.name) selector = el.tagName.toLowerCase() + '[name="' + el.name + '"]';
		else selector = el.tagName.toLowerCase() + ':nth-of-type(' + (i + 1) + ')';
		fields.push({
			index: i,
			tag: el.tagName.toLowerCase(),
			type: (el.type || '').toLowerCase(),
			name: (el.name || '').toLowerCase(),
			id: (el.id || '').toLowerCase(),
			placeholder: (el.placeholder || '').toLowerCase(),
			autocomplete: (el.getAttribute('autocomplete') || '').toLowerCase(),
			label: label.toLowerCase(),
			nearby: nearby.toLowerCase(),
			visible: visible,
			selector: selector
		});
	});
	return fields;
})()`

// Collect gathers field candidates from the live page
func Collect(page *browser.Page) ([]Candidate, error) {
	var candidates []Candidate
	if err := page.Evaluate(collectJS, &candidates); err != nil {
		return nil, fmt.Errorf("field collection failed: %w", err)
	}
	return candidates, nil
}

// Score computes the weighted heuristic score of one candidate for one role.
// Clamped to 1.0. Invisible candidates always score 0.
func Score(role Role, c Candidate) float64 {
	if !c.Visible {
		return 0
	}

	score := 0.0

	if strict, ok := strictTypes[role]; ok && c.Type == strict {
		score += 0.70
	}

	if c.Tag == "textarea" {
		if role == RoleComment || role == RoleBio {
			score += 0.25
		} else {
			score -= 0.10
		}
	}

	tokenScore := 0.0
	for _, token := range roleTokens[role] {
		tokenScore += weightName * matchToken(role, c.Name, token)
		tokenScore += weightID * matchToken(role, c.ID, token)
		tokenScore += weightPlaceholder * matchToken(role, c.Placeholder, token)
		tokenScore += weightAutocomplete * matchToken(role, c.Autocomplete, token)
		tokenScore += weightLabel * matchToken(role, c.Label, token)
		tokenScore += weightNearby * matchToken(role, c.Nearby, token)
	}
	if tokenScore > tokenScoreCap {
		tokenScore = tokenScoreCap
	}
	score += tokenScore

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// matchToken is 1 on substring hit, with a guard so "name" does not light up
// username/nickname fields for the name role.
func matchToken(role Role, value, token string) float64 {
	if value == "" || !strings.Contains(value, token) {
		return 0
	}
	if role == RoleName && (strings.Contains(value, "user") || strings.Contains(value, "nick")) {
		return 0
	}
	return 1
}

// Assign maps each role to its best-scoring candidate at or above the
// threshold. One candidate may win multiple roles only when nothing else
// qualifies; ties resolve to the earlier candidate in document order.
func Assign(candidates []Candidate) map[Role]Match {
	assigned := make(map[Role]Match)
	taken := make(map[int]Role)

	type scored struct {
		role  Role
		cand  Candidate
		score float64
	}
	var all []scored
	for _, role := range AllRoles {
		for _, c := range candidates {
			if s := Score(role, c); s >= MinConfidence {
				all = append(all, scored{role, c, s})
			}
		}
	}
	// Highest score claims its element first
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	for _, s := range all {
		if _, done := assigned[s.role]; done {
			continue
		}
		if _, used := taken[s.cand.Index]; used {
			continue
		}
		assigned[s.role] = Match{
			Locator:    browser.CSS(s.cand.Selector),
			Confidence: s.score,
		}
		taken[s.cand.Index] = s.role
	}
	return assigned
}

// MatchRoles collects candidates from the page and assigns roles
func MatchRoles(page *browser.Page) (map[Role]Match, error) {
	candidates, err := Collect(page)
	if err != nil {
		return nil, err
	}
	return Assign(candidates), nil
}
