package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Sternrassler/person-anonymizer/pkg/pagination"
	"github.com/Sternrassler/person-anonymizer/pkg/person"
)

// envelope is the provider's response wrapper.
type envelope struct {
	Status string          `json:"status"`
	Code   int             `json:"code"`
	Total  int             `json:"total"`
	Data   json.RawMessage `json:"data"`
}

// Required fields are pointers so a missing key can be told apart from an
// empty value.
type wirePerson struct {
	ID        json.RawMessage `json:"id"`
	Firstname *string         `json:"firstname"`
	Lastname  *string         `json:"lastname"`
	Email     *string         `json:"email"`
	Phone     string          `json:"phone"`
	Birthday  *string         `json:"birthday"`
	Gender    string          `json:"gender"`
	Website   string          `json:"website"`
	Image     string          `json:"image"`
	Address   *wireAddress    `json:"address"`
}

type wireAddress struct {
	Street         string  `json:"street"`
	StreetName     string  `json:"streetName"`
	BuildingNumber string  `json:"buildingNumber"`
	City           string  `json:"city"`
	Zipcode        string  `json:"zipcode"`
	Country        *string `json:"country"`
	CountryCode    string  `json:"country_code"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
}

func responseError(code int, format string, args ...any) *ProviderError {
	return &ProviderError{
		StatusCode: code,
		Class:      ErrorClassResponse,
		Message:    fmt.Sprintf(format, args...),
		Err:        ErrInvalidResponse,
	}
}

// decodeBatch parses a provider body into raw records. Envelope problems
// fail the whole batch; per-record problems are reported in Invalid.
func decodeBatch(body []byte, batch pagination.Batch, seed int64) (pagination.BatchRecords, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return pagination.BatchRecords{}, responseError(0, "decode envelope: %v", err)
	}
	if env.Status != "OK" {
		return pagination.BatchRecords{}, responseError(env.Code, "unexpected status %q", env.Status)
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || data[0] != '[' {
		return pagination.BatchRecords{}, responseError(env.Code, "data is not an array")
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return pagination.BatchRecords{}, responseError(env.Code, "decode data: %v", err)
	}

	out := pagination.BatchRecords{
		Batch:   batch,
		Records: make([]person.Raw, 0, len(items)),
	}
	for i, item := range items {
		raw, err := decodePerson(item, batch.Offset, seed)
		if err != nil {
			sourceID := ""
			if raw != nil {
				sourceID = raw.SourceID
			}
			if sourceID == "" {
				sourceID = fmt.Sprintf("%d:#%d", seed, batch.Offset+i)
			}
			out.Invalid = append(out.Invalid, person.RecordFailure{
				SourceID: sourceID,
				Offset:   batch.Offset,
				Err:      err,
			})
			continue
		}
		out.Records = append(out.Records, *raw)
	}
	return out, nil
}

// decodePerson validates required fields and qualifies the provider id.
// On a validation failure it still returns the record when the id was
// readable, so the caller can name it.
func decodePerson(item json.RawMessage, offset int, seed int64) (*person.Raw, error) {
	var w wirePerson
	if err := json.Unmarshal(item, &w); err != nil {
		return nil, &person.ValidationError{Field: "record", Reason: err.Error()}
	}

	sourceID, err := qualifyID(w.ID, offset, seed)
	if err != nil {
		return nil, &person.ValidationError{Field: "id", Reason: err.Error()}
	}
	raw := &person.Raw{SourceID: sourceID}

	missing := func(field string) error {
		return &person.ValidationError{SourceID: sourceID, Field: field, Reason: "missing required field"}
	}
	switch {
	case w.Firstname == nil:
		return raw, missing("firstname")
	case w.Lastname == nil:
		return raw, missing("lastname")
	case w.Email == nil:
		return raw, missing("email")
	case w.Birthday == nil:
		return raw, missing("birthday")
	case w.Address == nil:
		return raw, missing("address")
	case w.Address.Country == nil:
		return raw, missing("address.country")
	}

	raw.Firstname = *w.Firstname
	raw.Lastname = *w.Lastname
	raw.Email = *w.Email
	raw.Phone = w.Phone
	raw.Birthday = *w.Birthday
	raw.Gender = w.Gender
	raw.Website = w.Website
	raw.Image = w.Image
	raw.Address = person.Address{
		Street:         w.Address.Street,
		StreetName:     w.Address.StreetName,
		BuildingNumber: w.Address.BuildingNumber,
		City:           w.Address.City,
		Zipcode:        w.Address.Zipcode,
		Country:        *w.Address.Country,
		CountryCode:    w.Address.CountryCode,
		Latitude:       w.Address.Latitude,
		Longitude:      w.Address.Longitude,
	}
	return raw, nil
}

// qualifyID turns the provider id into a run-unique source id. Numeric ids
// are positional within a response, so they are qualified with the batch
// seed and offset; string ids are used as given.
func qualifyID(id json.RawMessage, offset int, seed int64) (string, error) {
	id = bytes.TrimSpace(id)
	if len(id) == 0 || string(id) == "null" {
		return "", fmt.Errorf("missing required field")
	}

	if id[0] == '"' {
		var s string
		if err := json.Unmarshal(id, &s); err != nil {
			return "", err
		}
		if strings.TrimSpace(s) == "" {
			return "", fmt.Errorf("empty id")
		}
		return s, nil
	}

	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return "", fmt.Errorf("id %s is neither string nor integer", id)
	}
	return fmt.Sprintf("%d:%d", seed, int64(offset)+n), nil
}
