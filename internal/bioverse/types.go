package bioverse

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StructureRecord is a resolved, validated structure file. Records are only
// built by newStructureRecord, so every stored payload has passed a Validator.
type StructureRecord struct {
	ID        string             `json:"id"`
	Payload   string             `json:"payload"`
	Source    string             `json:"source"`
	SourceURL string             `json:"sourceUrl"`
	FetchedAt time.Time          `json:"fetchedAt"`
	ExpiresAt time.Time          `json:"expiresAt"`
	Metadata  *StructureMetadata `json:"metadata,omitempty"`
}

type StructureMetadata struct {
	Title string `json:"title,omitempty"`
	// PLDDT holds one confidence value per residue, from CA atom B-factors.
	PLDDT []float64 `json:"plddt,omitempty"`
}

func newStructureRecord(id Identifier, f Fetched, v Validator, now time.Time, ttl time.Duration) (StructureRecord, error) {
	if !v.Valid(f.Payload) {
		return StructureRecord{}, ErrInvalidPayload
	}
	if ttl <= 0 {
		return StructureRecord{}, fmt.Errorf("record ttl must be positive, got %s", ttl)
	}
	rec := StructureRecord{
		ID:        id.String(),
		Payload:   string(f.Payload),
		Source:    f.Provider,
		SourceURL: f.URL,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	md := StructureMetadata{Title: parseTitle(f.Payload)}
	if f.Confidence {
		md.PLDDT = parsePLDDT(f.Payload)
	}
	if md.Title != "" || len(md.PLDDT) > 0 {
		rec.Metadata = &md
	}
	return rec, nil
}

// parseTitle joins TITLE continuation records, falling back to the HEADER
// classification.
func parseTitle(payload []byte) string {
	var title []string
	header := ""
	sc := bufio.NewScanner(bytes.NewReader(payload))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "TITLE "):
			if len(line) > 10 {
				title = append(title, strings.TrimSpace(line[10:]))
			}
		case strings.HasPrefix(line, "HEADER") && header == "":
			if len(line) > 10 {
				end := len(line)
				if end > 50 {
					end = 50
				}
				header = strings.TrimSpace(line[10:end])
			}
		case isCoordinateRecord([]byte(line)):
			// Title and header precede the coordinate section.
			return joinTitle(title, header)
		}
	}
	return joinTitle(title, header)
}

func joinTitle(title []string, header string) string {
	if len(title) == 0 {
		return header
	}
	return strings.Join(strings.Fields(strings.Join(title, " ")), " ")
}

// parsePLDDT reads the B-factor column of the first CA atom of each residue.
func parsePLDDT(payload []byte) []float64 {
	var out []float64
	lastRes := ""
	sc := bufio.NewScanner(bytes.NewReader(payload))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "ATOM") || len(line) < 66 {
			continue
		}
		if strings.TrimSpace(line[12:16]) != "CA" {
			continue
		}
		// chain + residue number + insertion code
		res := line[21:27]
		if res == lastRes {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(line[60:66]), 64)
		if err != nil {
			continue
		}
		lastRes = res
		out = append(out, v)
	}
	return out
}
