package realtime

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/mbd888/fraudguard/internal/risk"
)

var errInvalidMinScore = errors.New("minScore must be an integer in 0..100")

// subscriptionFromQuery reads comma-separated verdict, action and
// subjectType filters and an optional minScore.
func subscriptionFromQuery(r *http.Request) (Subscription, error) {
	q := r.URL.Query()
	var sub Subscription
	for _, v := range splitList(q.Get("verdict")) {
		sub.Verdicts = append(sub.Verdicts, risk.Verdict(v))
	}
	for _, a := range splitList(q.Get("action")) {
		sub.Actions = append(sub.Actions, risk.Action(a))
	}
	sub.SubjectTypes = splitList(q.Get("subjectType"))
	if raw := q.Get("minScore"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 100 {
			return Subscription{}, errInvalidMinScore
		}
		sub.MinScore = n
	}
	return sub, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
