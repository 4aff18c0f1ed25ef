package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type IDType string

const (
	IDTypeWorkflow         IDType = "wf"
	IDTypeTodo             IDType = "todo"
	IDTypeTask             IDType = "task"
	IDTypeSpecialistTask   IDType = "spt"
	IDTypeSpecialistOutput IDType = "out"
	IDTypeConsensus        IDType = "pc"
)

var validIDTypes = map[IDType]bool{
	IDTypeWorkflow:         true,
	IDTypeTodo:             true,
	IDTypeTask:             true,
	IDTypeSpecialistTask:   true,
	IDTypeSpecialistOutput: true,
	IDTypeConsensus:        true,
}

var idRegex = regexp.MustCompile(`^(wf|todo|task|spt|out|pc)_[0-9]{10}_[0-9a-f]{8}$`)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), hex.EncodeToString(randomBytes)), nil
}

// MustGenerateID is GenerateID for the fixed, known-valid ID types.
func MustGenerateID(idType IDType) string {
	id, err := GenerateID(idType)
	if err != nil {
		panic(err)
	}
	return id
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	match := idRegex.FindStringSubmatch(id)
	if match == nil {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	return IDType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	// 10 timestamp digits sit between the last two underscores
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
