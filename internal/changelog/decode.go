package changelog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
	"github.com/mattjoyce/docbridge/internal/document"
)

// Legacy command tags.
const (
	legacyAdd           = "ADD_ANNOT"
	legacyRemove        = "REMOVE_ANNOT"
	legacyUpdateFeature = "UPDATE_FEATURE"
	legacyClearFeatures = "CLEAR_FEATURES"
	legacyRemoveFeature = "REMOVE_FEATURE"
)

type legacyCommand struct {
	Command        string         `json:"command"`
	AnnotationSet  *string        `json:"annotationSet"`
	StartOffset    *int           `json:"startOffset"`
	EndOffset      *int           `json:"endOffset"`
	AnnotationName *string        `json:"annotationName"`
	AnnotationID   *int           `json:"annotationID"`
	FeatureMap     map[string]any `json:"featureMap"`
	FeatureName    *string        `json:"featureName"`
	FeatureValue   any            `json:"featureValue"`
}

type changeLog struct {
	OffsetType string         `json:"offset_type"`
	Changes    []changeRecord `json:"changes"`
}

type changeRecord struct {
	Command  string         `json:"command"`
	Set      *string        `json:"set"`
	Start    *int           `json:"start"`
	End      *int           `json:"end"`
	Type     *string        `json:"type"`
	ID       *int           `json:"id"`
	Features map[string]any `json:"features"`
	Feature  *string        `json:"feature"`
	Value    any            `json:"value"`
}

// Decode parses a worker's execute reply data. It accepts a legacy command
// list or a changelog object with a "changes" array. JSON null decodes to no
// commands. Unknown command tags and missing fields are protocol errors.
func Decode(data json.RawMessage) ([]Command, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var list []legacyCommand
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode command list: %v: %w", err, bridgeerr.ErrProtocol)
		}
		return decodeLegacy(list)
	case '{':
		var cl changeLog
		if err := json.Unmarshal(trimmed, &cl); err != nil {
			return nil, fmt.Errorf("decode changelog: %v: %w", err, bridgeerr.ErrProtocol)
		}
		if cl.OffsetType != "" && cl.OffsetType != document.OffsetPython {
			return nil, fmt.Errorf("unsupported changelog offset_type %q: %w", cl.OffsetType, bridgeerr.ErrProtocol)
		}
		return decodeChanges(cl.Changes)
	default:
		return nil, fmt.Errorf("execute reply data must be a list or an object: %w", bridgeerr.ErrProtocol)
	}
}

func decodeLegacy(list []legacyCommand) ([]Command, error) {
	cmds := make([]Command, 0, len(list))
	for i, c := range list {
		set := str(c.AnnotationSet)
		var (
			cmd     Command
			missing string
		)
		switch c.Command {
		case legacyAdd:
			switch {
			case c.StartOffset == nil:
				missing = "startOffset"
			case c.EndOffset == nil:
				missing = "endOffset"
			case c.AnnotationName == nil:
				missing = "annotationName"
			default:
				cmd = AddAnnotation{Set: set, Start: *c.StartOffset, End: *c.EndOffset, Type: *c.AnnotationName, Features: c.FeatureMap}
			}
		case legacyRemove, legacyClearFeatures:
			if c.AnnotationID == nil {
				missing = "annotationID"
			} else if c.Command == legacyRemove {
				cmd = RemoveAnnotation{Set: set, ID: *c.AnnotationID}
			} else {
				cmd = ClearFeatures{Set: set, ID: *c.AnnotationID}
			}
		case legacyUpdateFeature, legacyRemoveFeature:
			switch {
			case c.AnnotationID == nil:
				missing = "annotationID"
			case c.FeatureName == nil:
				missing = "featureName"
			case c.Command == legacyUpdateFeature:
				cmd = SetFeature{Set: set, ID: *c.AnnotationID, Name: *c.FeatureName, Value: c.FeatureValue}
			default:
				cmd = RemoveFeature{Set: set, ID: *c.AnnotationID, Name: *c.FeatureName}
			}
		default:
			return nil, fmt.Errorf("command %d: unknown command %q: %w", i, c.Command, bridgeerr.ErrProtocol)
		}
		if missing != "" {
			return nil, fmt.Errorf("command %d (%s): missing %s: %w", i, c.Command, missing, bridgeerr.ErrProtocol)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func decodeChanges(list []changeRecord) ([]Command, error) {
	cmds := make([]Command, 0, len(list))
	for i, c := range list {
		set := str(c.Set)
		var (
			cmd     Command
			missing string
		)
		switch c.Command {
		case KindAddAnnotation:
			switch {
			case c.Start == nil:
				missing = "start"
			case c.End == nil:
				missing = "end"
			case c.Type == nil:
				missing = "type"
			default:
				cmd = AddAnnotation{Set: set, Start: *c.Start, End: *c.End, Type: *c.Type, Features: c.Features}
			}
		case KindRemoveAnnotation, KindClearFeatures:
			if c.ID == nil {
				missing = "id"
			} else if c.Command == KindRemoveAnnotation {
				cmd = RemoveAnnotation{Set: set, ID: *c.ID}
			} else {
				cmd = ClearFeatures{Set: set, ID: *c.ID}
			}
		case KindSetFeature, KindRemoveFeature:
			switch {
			case c.ID == nil:
				missing = "id"
			case c.Feature == nil:
				missing = "feature"
			case c.Command == KindSetFeature:
				cmd = SetFeature{Set: set, ID: *c.ID, Name: *c.Feature, Value: c.Value}
			default:
				cmd = RemoveFeature{Set: set, ID: *c.ID, Name: *c.Feature}
			}
		case KindSetDocumentFeature, KindRemoveDocumentFeature:
			if c.Feature == nil {
				missing = "feature"
			} else if c.Command == KindSetDocumentFeature {
				cmd = SetDocumentFeature{Name: *c.Feature, Value: c.Value}
			} else {
				cmd = RemoveDocumentFeature{Name: *c.Feature}
			}
		case KindClearDocumentFeatures:
			cmd = ClearDocumentFeatures{}
		default:
			return nil, fmt.Errorf("change %d: unknown command %q: %w", i, c.Command, bridgeerr.ErrProtocol)
		}
		if missing != "" {
			return nil, fmt.Errorf("change %d (%s): missing %s: %w", i, c.Command, missing, bridgeerr.ErrProtocol)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func str(p *string) string {
	if p == nil {
		return document.DefaultSet
	}
	return *p
}
