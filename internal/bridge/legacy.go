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

// legacyAdapter speaks the original path-based API: the token is a URL
// segment, list responses are keyed maps rather than sequences, and
// errors arrive embedded in 200 responses as error elements.
type legacyAdapter struct {
	host       string
	token      string
	httpClient *http.Client
}

func newLegacyAdapter(host, token string, httpClient *http.Client) *legacyAdapter {
	return &legacyAdapter{host: host, token: token, httpClient: httpClient}
}

func (a *legacyAdapter) Version() Version { return VersionLegacy }

func (a *legacyAdapter) url(path string) string {
	return fmt.Sprintf("%s://%s/api/%s/%s", schemeFor(a.host), a.host, a.token, path)
}

func (a *legacyAdapter) request(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.url(path), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.httpClient.Do(req)
}

// Wire types.

type legacyLightState struct {
	On  bool      `json:"on"`
	Bri int       `json:"bri"`
	XY  []float64 `json:"xy,omitempty"`
}

type legacyLight struct {
	ID    string           `json:"id"`
	Name  string           `json:"name"`
	State legacyLightState `json:"state"`
}

type legacyGroup struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Lights []string `json:"lights"`
	Type   string   `json:"type"`
}

// legacyResult is one element of the array bodies the legacy API
// returns for failures and for command acknowledgements.
type legacyResult struct {
	Error *struct {
		Type        int    `json:"type"`
		Address     string `json:"address"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
	Success map[string]interface{} `json:"success,omitempty"`
}

const legacyErrUnauthorized = 1

// embeddedError extracts the first error element from a legacy array
// body, if the body is one. The API signals auth failures this way
// inside HTTP 200 responses, so status alone proves nothing.
func (a *legacyAdapter) embeddedError(body []byte, op, target string) error {
	var results []legacyResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil
	}
	for _, r := range results {
		if r.Error == nil {
			continue
		}
		if r.Error.Type == legacyErrUnauthorized {
			return &CredentialError{Host: a.host, Reason: r.Error.Description}
		}
		return &OperationError{Op: op, Target: target, Err: fmt.Errorf("%s (type %d)", r.Error.Description, r.Error.Type)}
	}
	return nil
}

func (a *legacyAdapter) get(ctx context.Context, path, op string) ([]byte, error) {
	resp, err := a.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &OperationError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	if err := a.embeddedError(body, op, ""); err != nil {
		return nil, err
	}
	return body, nil
}

func (a *legacyAdapter) ListLights(ctx context.Context) ([]Light, error) {
	body, err := a.get(ctx, "lights", "list_lights")
	if err != nil {
		return nil, err
	}

	var raw map[string]legacyLight
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ProtocolError{Version: VersionLegacy, Op: "list_lights", Err: err}
	}

	lights := make([]Light, 0, len(raw))
	for id, ll := range raw {
		ll.ID = id
		lights = append(lights, normalizeLegacyLight(ll))
	}
	sort.Slice(lights, func(i, j int) bool { return lights[i].ID < lights[j].ID })
	return lights, nil
}

func normalizeLegacyLight(ll legacyLight) Light {
	l := Light{
		ID:         ll.ID,
		Name:       ll.Name,
		On:         ll.State.On,
		Brightness: briToPercent(ll.State.Bri),
	}
	if len(ll.State.XY) == 2 {
		l.XY = &signal.ColorPoint{X: ll.State.XY[0], Y: ll.State.XY[1]}
	}
	return l
}

func (a *legacyAdapter) ListRooms(ctx context.Context) ([]Room, error) {
	body, err := a.get(ctx, "groups", "list_rooms")
	if err != nil {
		return nil, err
	}

	var raw map[string]legacyGroup
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ProtocolError{Version: VersionLegacy, Op: "list_rooms", Err: err}
	}

	rooms := make([]Room, 0, len(raw))
	for id, lg := range raw {
		// Zones, entertainment areas and other grouping kinds are not
		// rooms and never reach the board.
		if lg.Type != "Room" {
			continue
		}
		rooms = append(rooms, Room{
			ID:       id,
			Name:     lg.Name,
			LightIDs: lg.Lights,
			GroupID:  id,
		})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms, nil
}

// percentToBri rescales a 0-100 percentage to the native 0-254 range,
// rounding to nearest rather than truncating.
func percentToBri(pct int) int {
	return int(math.Round(float64(pct) / 100 * 254))
}

func briToPercent(bri int) int {
	return int(math.Round(float64(bri) / 254 * 100))
}

// encodeLegacyBody builds the legacy state-change body. Brightness is
// rescaled to 0-254 and the color point becomes an ordered pair.
func encodeLegacyBody(cmd signal.Command) map[string]interface{} {
	if !cmd.On {
		return map[string]interface{}{"on": false}
	}
	body := map[string]interface{}{
		"on":  true,
		"bri": percentToBri(cmd.Brightness),
	}
	if cmd.XY != nil {
		body["xy"] = []float64{cmd.XY.X, cmd.XY.Y}
	}
	return body
}

func (a *legacyAdapter) put(ctx context.Context, path, op, target string, cmd signal.Command) error {
	bodyBytes, err := json.Marshal(encodeLegacyBody(cmd))
	if err != nil {
		return err
	}

	resp, err := a.request(ctx, "PUT", path, strings.NewReader(string(bodyBytes)))
	if err != nil {
		return &OperationError{Op: op, Target: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &OperationError{Op: op, Target: target, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &OperationError{Op: op, Target: target, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	return a.embeddedError(body, op, target)
}

func (a *legacyAdapter) ApplyToLight(ctx context.Context, lightID string, cmd signal.Command) error {
	return a.put(ctx, fmt.Sprintf("lights/%s/state", lightID), "apply_light", lightID, cmd)
}

func (a *legacyAdapter) ApplyToGroup(ctx context.Context, groupID string, cmd signal.Command) error {
	return a.put(ctx, fmt.Sprintf("groups/%s/action", groupID), "apply_group", groupID, cmd)
}

func (a *legacyAdapter) ClearLight(ctx context.Context, lightID string) error {
	return a.put(ctx, fmt.Sprintf("lights/%s/state", lightID), "clear_light", lightID, signal.Command{On: false})
}

func (a *legacyAdapter) ClearGroup(ctx context.Context, groupID string) error {
	return a.put(ctx, fmt.Sprintf("groups/%s/action", groupID), "clear_group", groupID, signal.Command{On: false})
}
