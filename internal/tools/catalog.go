package tools

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/adrianco/the-goodies/internal/graph"
	"github.com/adrianco/the-goodies/internal/idgen"
	"github.com/adrianco/the-goodies/internal/storage"
	"github.com/adrianco/the-goodies/internal/types"
)

// DefaultSearchLimit caps search_entities results when the caller does not
// pass a limit.
const DefaultSearchLimit = 10

func (d *Dispatcher) registerCatalog() {
	d.register("get_devices_in_room", "List device entities located in a room", d.getDevicesInRoom)
	d.register("find_device_controls", "List control relationships touching a device", d.findDeviceControls)
	d.register("get_room_connections", "List rooms reachable through doors, windows or direct connections", d.getRoomConnections)
	d.register("search_entities", "Rank entities matching a text query", d.searchEntities)
	d.register("create_entity", "Create a new entity at its genesis version", d.createEntity)
	d.register("create_relationship", "Create an edge between two entities", d.createRelationship)
	d.register("find_path", "Find the shortest path between two entities", d.findPath)
	d.register("get_entity_details", "Fetch an entity with all its relationships", d.getEntityDetails)
	d.register("find_similar_entities", "Rank entities similar to a given one", d.findSimilarEntities)
	d.register("get_procedures_for_device", "List procedures that apply to a device", d.getProceduresForDevice)
	d.register("get_automations_in_room", "List automations tied to a room or its devices", d.getAutomationsInRoom)
	d.register("update_entity", "Write a new version of an entity", d.updateEntity)
}

func (d *Dispatcher) getDevicesInRoom(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		RoomID string `json:"room_id"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.RoomID == "" {
		return nil, schemaErr("room_id is required")
	}
	if _, ok := d.mgr.Index().Live(args.RoomID); !ok {
		return nil, storage.ErrNotFound
	}
	devices := []*types.Entity{}
	for _, rel := range d.mgr.Index().RelationshipsTo(args.RoomID) {
		if rel.Type != types.RelLocatedIn {
			continue
		}
		if e, ok := d.mgr.Index().Live(rel.FromEntityID); ok && e.Type == types.TypeDevice {
			devices = append(devices, e)
		}
	}
	return map[string]any{"devices": devices}, nil
}

func (d *Dispatcher) findDeviceControls(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		DeviceID string `json:"device_id"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.DeviceID == "" {
		return nil, schemaErr("device_id is required")
	}
	if _, ok := d.mgr.Index().Live(args.DeviceID); !ok {
		return nil, storage.ErrNotFound
	}
	controls := []*types.Relationship{}
	edges := append(d.mgr.Index().RelationshipsFrom(args.DeviceID), d.mgr.Index().RelationshipsTo(args.DeviceID)...)
	for _, rel := range edges {
		switch rel.Type {
		case types.RelControls, types.RelControlledByApp, types.RelManages:
			controls = append(controls, rel)
		}
	}
	sort.Slice(controls, func(i, j int) bool { return controls[i].ID < controls[j].ID })
	return map[string]any{"controls": controls}, nil
}

func (d *Dispatcher) getRoomConnections(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		RoomID string `json:"room_id"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.RoomID == "" {
		return nil, schemaErr("room_id is required")
	}
	x := d.mgr.Index()
	if _, ok := x.Live(args.RoomID); !ok {
		return nil, storage.ErrNotFound
	}

	// Rooms connect either directly or through a door/window entity that
	// sits between them, so the traversal is one hop plus a hop through
	// any passthrough node.
	seen := map[string]bool{}
	for _, n := range x.Neighbors(args.RoomID, types.RelConnectsTo) {
		e, ok := x.Live(n)
		if !ok {
			continue
		}
		switch e.Type {
		case types.TypeRoom:
			seen[n] = true
		case types.TypeDoor, types.TypeWindow:
			for _, far := range x.Neighbors(n, types.RelConnectsTo) {
				if far == args.RoomID {
					continue
				}
				if fe, ok := x.Live(far); ok && fe.Type == types.TypeRoom {
					seen[far] = true
				}
			}
		}
	}
	rooms := []*types.Entity{}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if e, ok := x.Live(id); ok {
			rooms = append(rooms, e)
		}
	}
	return map[string]any{"rooms": rooms}, nil
}

func (d *Dispatcher) searchEntities(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Query       string   `json:"query"`
		EntityTypes []string `json:"entity_types"`
		Limit       int      `json:"limit"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.Query == "" {
		return nil, schemaErr("query is required")
	}
	if args.Limit < 0 {
		return nil, schemaErr("limit must be non-negative")
	}
	if args.Limit == 0 {
		args.Limit = DefaultSearchLimit
	}
	filter := make([]types.EntityType, 0, len(args.EntityTypes))
	for _, raw := range args.EntityTypes {
		t := types.EntityType(raw)
		if !t.IsValid() {
			return nil, schemaErr("invalid entity type %q", raw)
		}
		filter = append(filter, t)
	}
	hits := d.mgr.Index().Search(args.Query, filter, args.Limit)
	return map[string]any{"entities": hits, "count": len(hits)}, nil
}

func (d *Dispatcher) createEntity(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Type    string         `json:"type"`
		Name    string         `json:"name"`
		Content map[string]any `json:"content"`
		UserID  string         `json:"user_id"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	t := types.EntityType(args.Type)
	if !t.IsValid() {
		return nil, schemaErr("invalid entity type %q", args.Type)
	}
	if args.Name == "" {
		return nil, schemaErr("name is required")
	}
	user := args.UserID
	if user == "" {
		user = d.userID
	}
	e, err := d.mgr.CreateEntity(ctx, idgen.NewEntityID(), t, args.Name, args.Content, user, types.SourceManual)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entity": e}, nil
}

func (d *Dispatcher) createRelationship(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		FromID     string         `json:"from_id"`
		ToID       string         `json:"to_id"`
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	t := types.RelationshipType(args.Type)
	if !t.IsValid() {
		return nil, schemaErr("invalid relationship type %q", args.Type)
	}
	if args.FromID == "" || args.ToID == "" {
		return nil, schemaErr("from_id and to_id are required")
	}
	rel := &types.Relationship{
		ID:           idgen.NewRelationshipID(),
		FromEntityID: args.FromID,
		ToEntityID:   args.ToID,
		Type:         t,
		Properties:   args.Properties,
		UserID:       d.userID,
	}
	if err := d.mgr.CreateRelationship(ctx, rel); err != nil {
		return nil, err
	}
	return map[string]any{"relationship": rel}, nil
}

func (d *Dispatcher) findPath(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		FromID string `json:"from_id"`
		ToID   string `json:"to_id"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.FromID == "" || args.ToID == "" {
		return nil, schemaErr("from_id and to_id are required")
	}
	path, found := d.mgr.Index().FindPath(args.FromID, args.ToID)
	if !found {
		return map[string]any{"found": false}, nil
	}
	return map[string]any{"found": true, "path": path, "length": len(path)}, nil
}

func (d *Dispatcher) getEntityDetails(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		EntityID string `json:"entity_id"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.EntityID == "" {
		return nil, schemaErr("entity_id is required")
	}
	e, ok := d.mgr.Index().Get(args.EntityID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	rels := append(d.mgr.Index().RelationshipsFrom(args.EntityID), d.mgr.Index().RelationshipsTo(args.EntityID)...)
	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
	versions, err := d.mgr.Store().ListVersions(ctx, args.EntityID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"entity":        e,
		"relationships": rels,
		"versions":      versions,
		"deleted":       e.IsTombstone(),
	}, nil
}

func (d *Dispatcher) findSimilarEntities(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		EntityID  string  `json:"entity_id"`
		Threshold float64 `json:"threshold"`
		Limit     int     `json:"limit"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.EntityID == "" {
		return nil, schemaErr("entity_id is required")
	}
	if args.Threshold < 0 || args.Threshold > 1 {
		return nil, schemaErr("threshold must be within [0, 1]")
	}
	if args.Limit == 0 {
		args.Limit = DefaultSearchLimit
	}
	hits, ok := d.mgr.Index().FindSimilar(args.EntityID, args.Threshold, args.Limit)
	if !ok {
		return nil, storage.ErrNotFound
	}
	if hits == nil {
		hits = []graph.SimilarEntity{}
	}
	return map[string]any{"similar": hits}, nil
}

func (d *Dispatcher) getProceduresForDevice(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		DeviceID string `json:"device_id"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.DeviceID == "" {
		return nil, schemaErr("device_id is required")
	}
	if _, ok := d.mgr.Index().Live(args.DeviceID); !ok {
		return nil, storage.ErrNotFound
	}
	procedures := []*types.Entity{}
	for _, rel := range d.mgr.Index().RelationshipsTo(args.DeviceID) {
		if rel.Type != types.RelProcedureFor {
			continue
		}
		if e, ok := d.mgr.Index().Live(rel.FromEntityID); ok && e.Type == types.TypeProcedure {
			procedures = append(procedures, e)
		}
	}
	return map[string]any{"procedures": procedures}, nil
}

func (d *Dispatcher) getAutomationsInRoom(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		RoomID string `json:"room_id"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.RoomID == "" {
		return nil, schemaErr("room_id is required")
	}
	x := d.mgr.Index()
	if _, ok := x.Live(args.RoomID); !ok {
		return nil, storage.ErrNotFound
	}

	seen := map[string]bool{}
	collect := func(id string) {
		if e, ok := x.Live(id); ok && e.Type == types.TypeAutomation {
			seen[id] = true
		}
	}
	// Automations attached to the room itself.
	for _, n := range x.Neighbors(args.RoomID, types.RelLocatedIn, types.RelTriggeredBy) {
		collect(n)
	}
	// Automations triggered by devices that live in the room.
	for _, rel := range x.RelationshipsTo(args.RoomID) {
		if rel.Type != types.RelLocatedIn {
			continue
		}
		if e, ok := x.Live(rel.FromEntityID); !ok || e.Type != types.TypeDevice {
			continue
		}
		for _, n := range x.Neighbors(rel.FromEntityID, types.RelTriggeredBy) {
			collect(n)
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	automations := []*types.Entity{}
	for _, id := range ids {
		if e, ok := x.Live(id); ok {
			automations = append(automations, e)
		}
	}
	return map[string]any{"automations": automations}, nil
}

func (d *Dispatcher) updateEntity(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		EntityID string         `json:"entity_id"`
		Changes  map[string]any `json:"changes"`
		UserID   string         `json:"user_id"`
	}
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.EntityID == "" {
		return nil, schemaErr("entity_id is required")
	}
	if len(args.Changes) == 0 {
		return nil, schemaErr("changes must not be empty")
	}
	user := args.UserID
	if user == "" {
		user = d.userID
	}
	e, err := d.mgr.UpdateEntity(ctx, args.EntityID, args.Changes, user)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entity": e}, nil
}
