package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"

	"github.com/cuelight/cuelight/internal/signal"
)

// modernAdapter speaks the CLIP resource API: resource-oriented paths
// under /clip/v2, credential carried in the hue-application-key header,
// responses wrapped in {errors, data} envelopes.
type modernAdapter struct {
	host       string
	token      string
	httpClient *http.Client
}

func newModernAdapter(host, token string, httpClient *http.Client) *modernAdapter {
	return &modernAdapter{host: host, token: token, httpClient: httpClient}
}

func (a *modernAdapter) Version() Version { return VersionModern }

func (a *modernAdapter) url(path string) string {
	return fmt.Sprintf("%s://%s/clip/v2/%s", schemeFor(a.host), a.host, path)
}

func (a *modernAdapter) request(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.url(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("hue-application-key", a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.httpClient.Do(req)
}

// Wire types. Only the fields this layer normalizes are decoded.

type resourceRef struct {
	RID   string `json:"rid"`
	RType string `json:"rtype"`
}

type modernLight struct {
	ID       string `json:"id"`
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
	On *struct {
		On bool `json:"on"`
	} `json:"on,omitempty"`
	Dimming *struct {
		Brightness float64 `json:"brightness"`
	} `json:"dimming,omitempty"`
	Color *struct {
		XY struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"xy"`
	} `json:"color,omitempty"`
}

type modernRoom struct {
	ID       string `json:"id"`
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
	Children []resourceRef `json:"children"`
	Services []resourceRef `json:"services"`
}

type modernError struct {
	Description string `json:"description"`
}

// checkStatus classifies a non-success HTTP status. An explicit auth
// rejection becomes a CredentialError so the caller never misreads a
// bad token as a version mismatch.
func (a *modernAdapter) checkStatus(resp *http.Response, op, target string) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		reason := strings.TrimSpace(string(body))
		if reason == "" {
			reason = resp.Status
		}
		return &CredentialError{Host: a.host, Reason: reason}
	}
	return &OperationError{Op: op, Target: target, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
}

func (a *modernAdapter) ListLights(ctx context.Context) ([]Light, error) {
	resp, err := a.request(ctx, "GET", "resource/light", nil)
	if err != nil {
		return nil, fmt.Errorf("list lights: %w", err)
	}
	defer resp.Body.Close()

	if err := a.checkStatus(resp, "list_lights", ""); err != nil {
		return nil, err
	}

	var result struct {
		Errors []modernError `json:"errors"`
		Data   []modernLight `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProtocolError{Version: VersionModern, Op: "list_lights", Err: err}
	}
	if len(result.Errors) > 0 {
		return nil, &OperationError{Op: "list_lights", Err: fmt.Errorf("%s", result.Errors[0].Description)}
	}

	lights := make([]Light, 0, len(result.Data))
	for _, ml := range result.Data {
		lights = append(lights, normalizeModernLight(ml))
	}
	sort.Slice(lights, func(i, j int) bool { return lights[i].ID < lights[j].ID })
	return lights, nil
}

func normalizeModernLight(ml modernLight) Light {
	l := Light{ID: ml.ID, Name: ml.Metadata.Name}
	if ml.On != nil {
		l.On = ml.On.On
	}
	if ml.Dimming != nil {
		l.Brightness = int(math.Round(ml.Dimming.Brightness))
	}
	if ml.Color != nil {
		l.XY = &signal.ColorPoint{X: ml.Color.XY.X, Y: ml.Color.XY.Y}
	}
	return l
}

func (a *modernAdapter) ListRooms(ctx context.Context) ([]Room, error) {
	resp, err := a.request(ctx, "GET", "resource/room", nil)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer resp.Body.Close()

	if err := a.checkStatus(resp, "list_rooms", ""); err != nil {
		return nil, err
	}

	var result struct {
		Errors []modernError `json:"errors"`
		Data   []modernRoom  `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProtocolError{Version: VersionModern, Op: "list_rooms", Err: err}
	}
	if len(result.Errors) > 0 {
		return nil, &OperationError{Op: "list_rooms", Err: fmt.Errorf("%s", result.Errors[0].Description)}
	}

	rooms := make([]Room, 0, len(result.Data))
	for _, mr := range result.Data {
		room := Room{ID: mr.ID, Name: mr.Metadata.Name}
		for _, child := range mr.Children {
			if child.RType == "light" {
				room.LightIDs = append(room.LightIDs, child.RID)
			}
		}
		for _, svc := range mr.Services {
			if svc.RType == "grouped_light" {
				room.GroupID = svc.RID
				break
			}
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms, nil
}

// encodeModernBody builds the CLIP state-change body. Clear commands
// carry only the power-off element, never a color or brightness.
func encodeModernBody(cmd signal.Command) map[string]interface{} {
	body := map[string]interface{}{
		"on": map[string]interface{}{"on": cmd.On},
	}
	if !cmd.On {
		return body
	}
	body["dimming"] = map[string]interface{}{"brightness": cmd.Brightness}
	if cmd.XY != nil {
		body["color"] = map[string]interface{}{
			"xy": map[string]interface{}{"x": cmd.XY.X, "y": cmd.XY.Y},
		}
	}
	return body
}

func (a *modernAdapter) put(ctx context.Context, path, op, target string, cmd signal.Command) error {
	bodyBytes, err := json.Marshal(encodeModernBody(cmd))
	if err != nil {
		return err
	}

	resp, err := a.request(ctx, "PUT", path, strings.NewReader(string(bodyBytes)))
	if err != nil {
		return &OperationError{Op: op, Target: target, Err: err}
	}
	defer resp.Body.Close()

	return a.checkStatus(resp, op, target)
}

func (a *modernAdapter) ApplyToLight(ctx context.Context, lightID string, cmd signal.Command) error {
	return a.put(ctx, fmt.Sprintf("resource/light/%s", lightID), "apply_light", lightID, cmd)
}

func (a *modernAdapter) ApplyToGroup(ctx context.Context, groupID string, cmd signal.Command) error {
	return a.put(ctx, fmt.Sprintf("resource/grouped_light/%s", groupID), "apply_group", groupID, cmd)
}

func (a *modernAdapter) ClearLight(ctx context.Context, lightID string) error {
	return a.put(ctx, fmt.Sprintf("resource/light/%s", lightID), "clear_light", lightID, signal.Command{On: false})
}

func (a *modernAdapter) ClearGroup(ctx context.Context, groupID string) error {
	return a.put(ctx, fmt.Sprintf("resource/grouped_light/%s", groupID), "clear_group", groupID, signal.Command{On: false})
}
