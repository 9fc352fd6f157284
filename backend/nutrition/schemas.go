package nutrition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Source string

const (
	SourceUSDA Source = "usda"
	SourceOFF  Source = "openfoodfacts"
)

type Macros struct {
	Kcal    float64 `json:"kcal"`
	Protein float64 `json:"protein"`
	Carbs   float64 `json:"carbs"`
	Fat     float64 `json:"fat"`
}

// FoodItem is the normalized search hit. A macro the upstream did not report is zero in
// Per100g and named in MissingFields.
type FoodItem struct {
	Source        Source   `json:"source"`
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Brand         string   `json:"brand,omitempty"`
	Per100g       Macros   `json:"per100g"`
	MissingFields []string `json:"missingFields,omitempty"`
}

// Payload is one decoded upstream response. Exactly the field matching Source is set.
type Payload struct {
	Source Source
	USDA   *USDASearchResponse
	OFF    *OFFSearchResponse
}

func (p Payload) Items() ([]FoodItem, error) {
	switch p.Source {
	case SourceUSDA:
		if p.USDA == nil {
			return nil, fmt.Errorf("usda payload is empty")
		}
		return MapUSDA(*p.USDA), nil
	case SourceOFF:
		if p.OFF == nil {
			return nil, fmt.Errorf("openfoodfacts payload is empty")
		}
		return MapOFF(*p.OFF), nil
	default:
		return nil, fmt.Errorf("unknown nutrition source %q", p.Source)
	}
}

// USDA FoodData Central /foods/search.

type USDASearchResponse struct {
	TotalHits int        `json:"totalHits"`
	Foods     []USDAFood `json:"foods"`
}

type USDAFood struct {
	FdcID         int64          `json:"fdcId"`
	Description   string         `json:"description"`
	DataType      string         `json:"dataType"`
	BrandOwner    string         `json:"brandOwner"`
	BrandName     string         `json:"brandName"`
	FoodNutrients []USDANutrient `json:"foodNutrients"`
}

type USDANutrient struct {
	NutrientID   int     `json:"nutrientId"`
	NutrientName string  `json:"nutrientName"`
	UnitName     string  `json:"unitName"`
	Value        float64 `json:"value"`
}

// FoodData Central nutrient ids. Energy is reported under 1008 for most data types and
// under the Atwater ids for Foundation foods.
var (
	usdaEnergyIDs  = []int{1008, 2047, 2048}
	usdaProteinIDs = []int{1003}
	usdaCarbIDs    = []int{1005}
	usdaFatIDs     = []int{1004}
)

func MapUSDA(resp USDASearchResponse) []FoodItem {
	items := make([]FoodItem, 0, len(resp.Foods))
	for _, f := range resp.Foods {
		byID := make(map[int]float64, len(f.FoodNutrients))
		for _, n := range f.FoodNutrients {
			if n.NutrientID == 1008 || n.NutrientID == 2047 || n.NutrientID == 2048 {
				if !strings.EqualFold(n.UnitName, "KCAL") {
					continue
				}
			}
			byID[n.NutrientID] = n.Value
		}

		item := FoodItem{
			Source: SourceUSDA,
			ID:     strconv.FormatInt(f.FdcID, 10),
			Name:   strings.TrimSpace(f.Description),
			Brand:  firstNonEmpty(f.BrandName, f.BrandOwner),
		}
		item.Per100g.Kcal = pick(byID, usdaEnergyIDs, "kcal", &item.MissingFields)
		item.Per100g.Protein = pick(byID, usdaProteinIDs, "protein", &item.MissingFields)
		item.Per100g.Carbs = pick(byID, usdaCarbIDs, "carbs", &item.MissingFields)
		item.Per100g.Fat = pick(byID, usdaFatIDs, "fat", &item.MissingFields)
		items = append(items, item)
	}
	return items
}

func pick(byID map[int]float64, ids []int, field string, missing *[]string) float64 {
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			return v
		}
	}
	*missing = append(*missing, field)
	return 0
}

// Open Food Facts /cgi/search.pl?json=1.

type OFFSearchResponse struct {
	Count    int          `json:"count"`
	Products []OFFProduct `json:"products"`
}

type OFFProduct struct {
	Code        string        `json:"code"`
	ProductName string        `json:"product_name"`
	Brands      string        `json:"brands"`
	Nutriments  OFFNutriments `json:"nutriments"`
}

type OFFNutriments struct {
	EnergyKcal100g    *Number `json:"energy-kcal_100g"`
	Proteins100g      *Number `json:"proteins_100g"`
	Carbohydrates100g *Number `json:"carbohydrates_100g"`
	Fat100g           *Number `json:"fat_100g"`
}

// Number decodes Open Food Facts nutriment values, which arrive as JSON numbers or as
// numeric strings depending on the product.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("nutriment %q is not a number", s)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

func MapOFF(resp OFFSearchResponse) []FoodItem {
	items := make([]FoodItem, 0, len(resp.Products))
	for _, p := range resp.Products {
		name := strings.TrimSpace(p.ProductName)
		if name == "" || p.Code == "" {
			continue
		}
		item := FoodItem{
			Source: SourceOFF,
			ID:     p.Code,
			Name:   name,
			Brand:  firstBrand(p.Brands),
		}
		item.Per100g.Kcal = value(p.Nutriments.EnergyKcal100g, "kcal", &item.MissingFields)
		item.Per100g.Protein = value(p.Nutriments.Proteins100g, "protein", &item.MissingFields)
		item.Per100g.Carbs = value(p.Nutriments.Carbohydrates100g, "carbs", &item.MissingFields)
		item.Per100g.Fat = value(p.Nutriments.Fat100g, "fat", &item.MissingFields)
		items = append(items, item)
	}
	return items
}

func value(n *Number, field string, missing *[]string) float64 {
	if n == nil {
		*missing = append(*missing, field)
		return 0
	}
	return float64(*n)
}

func firstBrand(brands string) string {
	first, _, _ := strings.Cut(brands, ",")
	return strings.TrimSpace(first)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
