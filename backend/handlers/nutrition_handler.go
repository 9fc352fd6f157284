package handlers

import (
	"net/http"

	"github.com/ravigill3969/fitscan/backend/nutrition"
	"github.com/ravigill3969/fitscan/backend/utils"
)

type NutritionHandler struct {
	Nutrition *nutrition.Client
}

func (h *NutritionHandler) Search(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 20, 50)
	if !ok {
		return
	}

	res, err := h.Nutrition.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		respondErr(w, r, err, "Nutrition search failed")
		return
	}
	utils.RespondSuccess(w, http.StatusOK, res)
}
