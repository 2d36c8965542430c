/*
Package gateway exposes the tool over HTTP.

	POST /api/exec          {"commands": [...]} run in the persistent session
	POST /api/exec/once     {"commands": [...]} run in a fresh child that exits afterwards
	GET  /api/status        state of the persistent session
	GET  /api/diskmap       current disk bitmap snapshot
	GET  /api/diskmap/ws    WebSocket stream of bitmap snapshots, one per change
	GET  /heartbeat         liveness

Both exec routes answer {"ok": bool, "out": string}. When ok is false, out holds a diagnostic rather than tool output.
*/
package gateway
