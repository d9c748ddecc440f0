package rest

import (
	"context"
	"strings"

	"github.com/kilupskalvis/classd/internal/apierr"
	"github.com/kilupskalvis/classd/internal/models"
	"github.com/kilupskalvis/classd/internal/store"
)

// handleInstallation reconciles an installation write against the records
// already holding its identifiers. One compound lookup fetches every
// candidate; precedence is exact objectId, then installationId, then
// deviceToken. A write that would land on an existing record is rewritten
// into an update of it, and stale deviceToken duplicates are dropped.
func (w *Write) handleInstallation(ctx context.Context) error {
	if w.response != nil || w.className != models.InstallationClass {
		return nil
	}

	if token, ok := w.data["deviceToken"].(string); ok {
		w.data["deviceToken"] = strings.ToLower(token)
	}

	installationID, _ := w.data["installationId"].(string)
	if installationID == "" && w.auth.InstallationID != "" {
		installationID = w.auth.InstallationID
		if w.isCreate() {
			w.data["installationId"] = installationID
		}
	}
	installationID = strings.ToLower(installationID)
	if installationID != "" {
		if _, ok := w.data["installationId"]; ok {
			w.data["installationId"] = installationID
		}
	}
	deviceToken, _ := w.data["deviceToken"].(string)

	var queryID string
	if !w.isCreate() {
		queryID, _ = w.query["objectId"].(string)
	}
	if w.isCreate() && installationID == "" && deviceToken == "" {
		return apierr.New(apierr.CodeMissingRequiredField,
			"at least one ID field (deviceToken, installationId) must be specified in this operation")
	}

	var clauses []any
	if queryID != "" {
		clauses = append(clauses, map[string]any{"objectId": queryID})
	}
	if installationID != "" {
		clauses = append(clauses, map[string]any{"installationId": installationID})
	}
	if deviceToken != "" {
		clauses = append(clauses, map[string]any{"deviceToken": deviceToken})
	}
	if len(clauses) == 0 {
		return nil
	}
	where := map[string]any{"$or": clauses}
	if len(clauses) == 1 {
		where = clauses[0].(map[string]any)
	}
	matches, err := w.env.Adapter.Find(ctx, models.InstallationClass, where, store.QueryOptions{Master: true, Limit: -1})
	if err != nil {
		return err
	}

	var objectMatch, idMatch models.Record
	var tokenMatches []models.Record
	for _, m := range matches {
		if queryID != "" && m.ObjectID() == queryID {
			objectMatch = m
		}
		if id, _ := m["installationId"].(string); installationID != "" && id == installationID {
			idMatch = m
		}
		if t, _ := m["deviceToken"].(string); deviceToken != "" && t == deviceToken {
			tokenMatches = append(tokenMatches, m)
		}
	}

	if queryID != "" {
		if objectMatch == nil {
			return apierr.New(apierr.CodeObjectNotFound, "Object not found for update.")
		}
		if installationID != "" {
			if existing, _ := objectMatch["installationId"].(string); existing != "" && existing != installationID {
				return apierr.New(apierr.CodeChangedImmutableField,
					"installationId may not be changed in this operation")
			}
		}
		if deviceToken != "" && installationID == "" {
			if existing, _ := objectMatch["deviceToken"].(string); existing != "" && existing != deviceToken {
				return apierr.New(apierr.CodeChangedImmutableField,
					"deviceToken may not be changed in this operation")
			}
		}
		if deviceType, _ := w.data["deviceType"].(string); deviceType != "" {
			if existing, _ := objectMatch["deviceType"].(string); existing != "" && existing != deviceType {
				return apierr.New(apierr.CodeChangedImmutableField,
					"deviceType may not be changed in this operation")
			}
		}
		return w.deleteStaleInstallations(ctx, objectMatch, tokenMatches)
	}

	// Create without an explicit id: adopt the record the identifiers
	// already point at.
	var target models.Record
	switch {
	case idMatch != nil:
		target = idMatch
	case len(tokenMatches) == 1:
		target = tokenMatches[0]
		if installationID != "" {
			if existing, _ := target["installationId"].(string); existing != "" && existing != installationID {
				// The token moved to a different installation; keep the
				// new record and drop the stale one below.
				target = nil
			}
		}
	case len(tokenMatches) > 1:
		if installationID == "" {
			return apierr.New(apierr.CodeAmbiguousDeviceToken,
				"Must specify installationId when deviceToken matches multiple Installation objects")
		}
		// With an installationId in hand the duplicates are stale; they
		// are dropped below and the write proceeds as a create.
	}

	if target != nil {
		w.query = map[string]any{"objectId": target.ObjectID()}
		w.original = target.Clone()
		delete(w.data, "objectId")
		delete(w.data, "createdAt")
	}
	return w.deleteStaleInstallations(ctx, target, tokenMatches)
}

// deleteStaleInstallations best-effort removes deviceToken duplicates
// other than the record being written. Races losing the record are fine.
func (w *Write) deleteStaleInstallations(ctx context.Context, keep models.Record, tokenMatches []models.Record) error {
	keepID := ""
	if keep != nil {
		keepID = keep.ObjectID()
	}
	for _, m := range tokenMatches {
		if m.ObjectID() == keepID {
			continue
		}
		where := map[string]any{"objectId": m.ObjectID()}
		if _, err := w.env.Adapter.Destroy(ctx, models.InstallationClass, where, store.QueryOptions{Master: true}); err != nil {
			if apierr.Is(err, apierr.CodeObjectNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}
