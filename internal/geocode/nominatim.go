package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"safeagent/internal/model"
)

// NominatimConfig configures the OpenStreetMap Nominatim client.
type NominatimConfig struct {
	BaseURL   string
	UserAgent string
	// Email is sent as the contact parameter the public instance asks for.
	Email        string
	CountryCodes string
	Timeout      time.Duration
}

// Nominatim calls the /search endpoint of a Nominatim instance.
type Nominatim struct {
	client       *resty.Client
	email        string
	countryCodes string
}

func NewNominatim(cfg NominatimConfig) *Nominatim {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)

	return &Nominatim{client: c, email: cfg.Email, countryCodes: cfg.CountryCodes}
}

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
	Address     struct {
		Road        string `json:"road"`
		HouseNumber string `json:"house_number"`
	} `json:"address"`
}

// Geocode implements Provider.
func (n *Nominatim) Geocode(ctx context.Context, address string) ([]Placemark, error) {
	if address == "" {
		return nil, errors.New("geocode: empty address")
	}

	req := n.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":              address,
			"format":         "jsonv2",
			"addressdetails": "1",
			"limit":          "5",
		})
	if n.email != "" {
		req.SetQueryParam("email", n.email)
	}
	if n.countryCodes != "" {
		req.SetQueryParam("countrycodes", n.countryCodes)
	}

	resp, err := req.Get("/search")
	if err != nil {
		return nil, fmt.Errorf("nominatim request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("nominatim status %d: %s", resp.StatusCode(), resp.String())
	}

	var places []nominatimPlace
	if err := json.Unmarshal(resp.Body(), &places); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	marks := make([]Placemark, 0, len(places))
	for _, p := range places {
		pm := Placemark{Thoroughfare: p.Address.Road}
		lat, latErr := strconv.ParseFloat(p.Lat, 64)
		lon, lonErr := strconv.ParseFloat(p.Lon, 64)
		if latErr == nil && lonErr == nil {
			pm.Location = &model.Coordinate{Latitude: lat, Longitude: lon}
		}
		marks = append(marks, pm)
	}
	return marks, nil
}
