package handlers

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ravigill3969/fitscan/backend/utils"
)

// Health reports liveness plus the result of each dependency check.
type Health struct {
	Checks map[string]func(ctx context.Context) error
}

func (h *Health) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	results := make(map[string]string, len(h.Checks))
	var down []string
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			results[name] = "down"
			down = append(down, name)
			continue
		}
		results[name] = "up"
	}

	if len(down) > 0 {
		sort.Strings(down)
		utils.RespondError(w, http.StatusServiceUnavailable, "Service degraded: "+strings.Join(down, ", "))
		return
	}
	utils.RespondSuccess(w, http.StatusOK, results)
}
