package outbox

const lobbyStateChangedSchema = `{
  "type": "object",
  "title": "LobbyStateChanged",
  "properties": {
    "lobby_id": {"type": "string"},
    "hub_id": {"type": "string"},
    "template_id": {"type": "string"},
    "state": {"type": "string"},
    "participant_count": {"type": "integer"},
    "countdown_deadline": {"type": "string", "format": "date-time"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["lobby_id", "hub_id", "template_id", "state", "participant_count", "occurred_at"],
  "additionalProperties": false
}`

const checkinRedeemedSchema = `{
  "type": "object",
  "title": "CheckinRedeemed",
  "properties": {
    "lobby_id": {"type": "string"},
    "hub_id": {"type": "string"},
    "user_id": {"type": "string"},
    "first": {"type": "boolean"},
    "redeemed_at": {"type": "string", "format": "date-time"}
  },
  "required": ["lobby_id", "hub_id", "user_id", "first", "redeemed_at"],
  "additionalProperties": false
}`

const rewardsIssuedSchema = `{
  "type": "object",
  "title": "RewardsIssued",
  "properties": {
    "lobby_id": {"type": "string"},
    "hub_id": {"type": "string"},
    "user_ids": {"type": "array", "items": {"type": "string"}},
    "crystals": {"type": "integer"},
    "coins": {"type": "integer"},
    "group_bonus": {"type": "boolean"},
    "issued_at": {"type": "string", "format": "date-time"}
  },
  "required": ["lobby_id", "hub_id", "user_ids", "crystals", "coins", "group_bonus", "issued_at"],
  "additionalProperties": false
}`

const progressionAdvancedSchema = `{
  "type": "object",
  "title": "ProgressionAdvanced",
  "properties": {
    "user_id": {"type": "string"},
    "hub_id": {"type": "string"},
    "stage": {"type": "string"},
    "level": {"type": "integer"},
    "traits": {"type": "array", "items": {"type": "string"}},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "hub_id", "stage", "level", "traits", "occurred_at"],
  "additionalProperties": false
}`
