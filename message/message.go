/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package message catalogues every RPC body this agent understands: a
// closed Kind enumeration, one pack/unpack pair per kind, and a registry
// mapping Kind to its unpack function so a frame can be decoded without a
// type switch at the call site. ProtocolVersion-gated fields (PERSIST_RC's
// flags word) branch inside the relevant kind's Pack/Unpack.
package message

import (
	"time"

	"github.com/nabbar/persistdbd/buffer"
	"github.com/nabbar/persistdbd/perrors"
)

// ProtocolVersion identifies a wire revision. The client sends
// CurrentProtoVersion in REQUEST_PERSIST_INIT and uses it for the rest of
// the connection; the server adopts the version it received. Neither side
// falls back to a lower version, and PersistRC.RetInfo is not used to
// report one.
type ProtocolVersion uint16

// MinProtocolVersion is the oldest version this implementation accepts.
// VersionWithRCFlags is the version at which PERSIST_RC grew its flags
// field, matching the original SLURM_22_05_PROTOCOL_VERSION bump.
const (
	MinProtocolVersion  ProtocolVersion = 17920
	VersionWithRCFlags  ProtocolVersion = 18082
	CurrentProtoVersion ProtocolVersion = 18082
)

// Kind identifies a message body's wire shape.
type Kind uint16

const (
	KindUnknown Kind = iota
	KindRequestPersistInit
	KindPersistRC
	KindDBDClusterProcs
	KindDBDRC
	KindDBDJobStart
	KindDBDJobStartRC
	KindDBDJobComplete
	KindDBDStepStart
	KindDBDStepComplete
	KindDBDJobSuspend
	KindDBDNodeState
)

var kindNames = map[Kind]string{
	KindUnknown:            "UNKNOWN",
	KindRequestPersistInit: "REQUEST_PERSIST_INIT",
	KindPersistRC:          "PERSIST_RC",
	KindDBDClusterProcs:    "DBD_CLUSTER_PROCS",
	KindDBDRC:              "DBD_RC",
	KindDBDJobStart:        "DBD_JOB_START",
	KindDBDJobStartRC:      "DBD_JOB_START_RC",
	KindDBDJobComplete:     "DBD_JOB_COMPLETE",
	KindDBDStepStart:       "DBD_STEP_START",
	KindDBDStepComplete:    "DBD_STEP_COMPLETE",
	KindDBDJobSuspend:      "DBD_JOB_SUSPEND",
	KindDBDNodeState:       "DBD_NODE_STATE",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindUnknown]
}

// Body is implemented by every message kind. Pack appends the body's
// fields (but not the Kind header) to w; Unpack is looked up through
// unpackers by the frame's Kind before being called.
type Body interface {
	Kind() Kind
	Pack(w *buffer.Buffer, ver ProtocolVersion)
}

type unpackFunc func(r *buffer.Buffer, ver ProtocolVersion) (Body, error)

var unpackers = map[Kind]unpackFunc{
	KindRequestPersistInit: unpackRequestPersistInit,
	KindPersistRC:          unpackPersistRC,
	KindDBDClusterProcs:    unpackDBDClusterProcs,
	KindDBDRC:              unpackDBDRC,
	KindDBDJobStart:        unpackDBDJobStart,
	KindDBDJobStartRC:      unpackDBDJobStartRC,
	KindDBDJobComplete:     unpackDBDJobComplete,
	KindDBDStepStart:       unpackDBDStepStart,
	KindDBDStepComplete:    unpackDBDStepComplete,
	KindDBDJobSuspend:      unpackDBDJobSuspend,
	KindDBDNodeState:       unpackDBDNodeState,
}

// Encode packs kind's header (the u16 Kind tag) and body into a new
// wire-ready byte slice.
func Encode(body Body, ver ProtocolVersion) []byte {
	w := buffer.New(256)
	w.PackU16(uint16(body.Kind()))
	body.Pack(w, ver)
	return w.Bytes()
}

// Decode reads the Kind header from frame and dispatches to the
// registered unpacker for the rest of the body.
func Decode(frame []byte, ver ProtocolVersion) (Body, error) {
	r := buffer.FromBytes(frame)
	k16, err := r.UnpackU16()
	if err != nil {
		return nil, err
	}
	k := Kind(k16)
	fn, ok := unpackers[k]
	if !ok {
		return nil, perrors.New(perrors.UnpackError, "unknown message kind", nil)
	}
	return fn(r, ver)
}

// RequestPersistInit is the first RPC on every connection: it identifies
// the caller's protocol version, cluster, and carries its auth credential.
type RequestPersistInit struct {
	Version     ProtocolVersion
	ClusterName string
	PersistType uint16
	LocalPort   uint16
	Credential  []byte
}

func (m *RequestPersistInit) Kind() Kind { return KindRequestPersistInit }

func (m *RequestPersistInit) Pack(w *buffer.Buffer, _ ProtocolVersion) {
	w.PackU16(uint16(m.Version))
	w.PackString(m.ClusterName)
	w.PackU16(m.PersistType)
	w.PackU16(m.LocalPort)
	w.PackBytes(m.Credential)
}

func unpackRequestPersistInit(r *buffer.Buffer, _ ProtocolVersion) (Body, error) {
	m := &RequestPersistInit{}
	ver, err := r.UnpackU16()
	if err != nil {
		return nil, err
	}
	m.Version = ProtocolVersion(ver)
	if m.ClusterName, err = r.UnpackString(); err != nil {
		return nil, err
	}
	if m.PersistType, err = r.UnpackU16(); err != nil {
		return nil, err
	}
	if m.LocalPort, err = r.UnpackU16(); err != nil {
		return nil, err
	}
	if m.Credential, err = r.UnpackBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

// PersistRC is the handshake and fire-and-forget acknowledgement carried
// back to the sender of most RPCs.
type PersistRC struct {
	Comment    string
	Flags      uint16
	ReturnCode uint32
	RetInfo    uint16
}

func (m *PersistRC) Kind() Kind { return KindPersistRC }

func (m *PersistRC) Pack(w *buffer.Buffer, ver ProtocolVersion) {
	w.PackString(m.Comment)
	if ver >= VersionWithRCFlags {
		w.PackU16(m.Flags)
	}
	w.PackU32(m.ReturnCode)
	w.PackU16(m.RetInfo)
}

func unpackPersistRC(r *buffer.Buffer, ver ProtocolVersion) (Body, error) {
	m := &PersistRC{}
	var err error
	if m.Comment, err = r.UnpackString(); err != nil {
		return nil, err
	}
	if ver >= VersionWithRCFlags {
		if m.Flags, err = r.UnpackU16(); err != nil {
			return nil, err
		}
	}
	if m.ReturnCode, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.RetInfo, err = r.UnpackU16(); err != nil {
		return nil, err
	}
	return m, nil
}

// DBDClusterProcs reports a cluster's current daemon process count.
type DBDClusterProcs struct {
	ClusterName string
	ProcCount   uint32
	EventTime   time.Time
}

func (m *DBDClusterProcs) Kind() Kind { return KindDBDClusterProcs }

func (m *DBDClusterProcs) Pack(w *buffer.Buffer, _ ProtocolVersion) {
	w.PackString(m.ClusterName)
	w.PackU32(m.ProcCount)
	w.PackTime(m.EventTime)
}

func unpackDBDClusterProcs(r *buffer.Buffer, _ ProtocolVersion) (Body, error) {
	m := &DBDClusterProcs{}
	var err error
	if m.ClusterName, err = r.UnpackString(); err != nil {
		return nil, err
	}
	if m.ProcCount, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.EventTime, err = r.UnpackTime(); err != nil {
		return nil, err
	}
	return m, nil
}

// DBDRC is the generic accounting-RPC return code.
type DBDRC struct {
	ReturnCode uint32
	Comment    string
}

func (m *DBDRC) Kind() Kind { return KindDBDRC }

func (m *DBDRC) Pack(w *buffer.Buffer, _ ProtocolVersion) {
	w.PackU32(m.ReturnCode)
	w.PackString(m.Comment)
}

func unpackDBDRC(r *buffer.Buffer, _ ProtocolVersion) (Body, error) {
	m := &DBDRC{}
	var err error
	if m.ReturnCode, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.Comment, err = r.UnpackString(); err != nil {
		return nil, err
	}
	return m, nil
}

// DBDJobStart records a job entering the RUNNING state.
type DBDJobStart struct {
	AssocID      uint32
	BlockID      string
	EligibleTime time.Time
	JobID        uint32
	JobState     uint16
	Name         string
	Nodes        string
	Priority     uint32
	StartTime    time.Time
	SubmitTime   time.Time
	TotalProcs   uint32
}

func (m *DBDJobStart) Kind() Kind { return KindDBDJobStart }

func (m *DBDJobStart) Pack(w *buffer.Buffer, _ ProtocolVersion) {
	w.PackU32(m.AssocID)
	w.PackString(m.BlockID)
	w.PackTime(m.EligibleTime)
	w.PackU32(m.JobID)
	w.PackU16(m.JobState)
	w.PackString(m.Name)
	w.PackString(m.Nodes)
	w.PackU32(m.Priority)
	w.PackTime(m.StartTime)
	w.PackTime(m.SubmitTime)
	w.PackU32(m.TotalProcs)
}

func unpackDBDJobStart(r *buffer.Buffer, _ ProtocolVersion) (Body, error) {
	m := &DBDJobStart{}
	var err error
	if m.AssocID, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.BlockID, err = r.UnpackString(); err != nil {
		return nil, err
	}
	if m.EligibleTime, err = r.UnpackTime(); err != nil {
		return nil, err
	}
	if m.JobID, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.JobState, err = r.UnpackU16(); err != nil {
		return nil, err
	}
	if m.Name, err = r.UnpackString(); err != nil {
		return nil, err
	}
	if m.Nodes, err = r.UnpackString(); err != nil {
		return nil, err
	}
	if m.Priority, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.StartTime, err = r.UnpackTime(); err != nil {
		return nil, err
	}
	if m.SubmitTime, err = r.UnpackTime(); err != nil {
		return nil, err
	}
	if m.TotalProcs, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	return m, nil
}

// DBDJobStartRC replies to DBDJobStart with the storage row id assigned.
type DBDJobStartRC struct {
	DBIndex    uint32
	ReturnCode uint32
}

func (m *DBDJobStartRC) Kind() Kind { return KindDBDJobStartRC }

func (m *DBDJobStartRC) Pack(w *buffer.Buffer, _ ProtocolVersion) {
	w.PackU32(m.DBIndex)
	w.PackU32(m.ReturnCode)
}

func unpackDBDJobStartRC(r *buffer.Buffer, _ ProtocolVersion) (Body, error) {
	m := &DBDJobStartRC{}
	var err error
	if m.DBIndex, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.ReturnCode, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	return m, nil
}

// DBDJobComplete records a job leaving the RUNNING state.
type DBDJobComplete struct {
	AssocID    uint32
	DBIndex    uint32
	EndTime    time.Time
	ExitCode   uint32
	JobID      uint32
	JobState   uint16
	Name       string
	Nodes      string
	Priority   uint32
	StartTime  time.Time
	SubmitTime time.Time
	TotalProcs uint32
}

func (m *DBDJobComplete) Kind() Kind { return KindDBDJobComplete }

func (m *DBDJobComplete) Pack(w *buffer.Buffer, _ ProtocolVersion) {
	w.PackU32(m.AssocID)
	w.PackU32(m.DBIndex)
	w.PackTime(m.EndTime)
	w.PackU32(m.ExitCode)
	w.PackU32(m.JobID)
	w.PackU16(m.JobState)
	w.PackString(m.Name)
	w.PackString(m.Nodes)
	w.PackU32(m.Priority)
	w.PackTime(m.StartTime)
	w.PackTime(m.SubmitTime)
	w.PackU32(m.TotalProcs)
}

func unpackDBDJobComplete(r *buffer.Buffer, _ ProtocolVersion) (Body, error) {
	m := &DBDJobComplete{}
	var err error
	if m.AssocID, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.DBIndex, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.EndTime, err = r.UnpackTime(); err != nil {
		return nil, err
	}
	if m.ExitCode, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.JobID, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.JobState, err = r.UnpackU16(); err != nil {
		return nil, err
	}
	if m.Name, err = r.UnpackString(); err != nil {
		return nil, err
	}
	if m.Nodes, err = r.UnpackString(); err != nil {
		return nil, err
	}
	if m.Priority, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.StartTime, err = r.UnpackTime(); err != nil {
		return nil, err
	}
	if m.SubmitTime, err = r.UnpackTime(); err != nil {
		return nil, err
	}
	if m.TotalProcs, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	return m, nil
}

// DBDStepStart records a job step entering the RUNNING state.
type DBDStepStart struct {
	AssocID      uint32
	EligibleTime time.Time
	JobID        uint32
	Name         string
	Nodes        string
	StartTime    time.Time
	StepID       uint32
	TotalProcs   uint32
}

func (m *DBDStepStart) Kind() Kind { return KindDBDStepStart }

func (m *DBDStepStart) Pack(w *buffer.Buffer, _ ProtocolVersion) {
	w.PackU32(m.AssocID)
	w.PackTime(m.EligibleTime)
	w.PackU32(m.JobID)
	w.PackString(m.Name)
	w.PackString(m.Nodes)
	w.PackTime(m.StartTime)
	w.PackU32(m.StepID)
	w.PackU32(m.TotalProcs)
}

func unpackDBDStepStart(r *buffer.Buffer, _ ProtocolVersion) (Body, error) {
	m := &DBDStepStart{}
	var err error
	if m.AssocID, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.EligibleTime, err = r.UnpackTime(); err != nil {
		return nil, err
	}
	if m.JobID, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.Name, err = r.UnpackString(); err != nil {
		return nil, err
	}
	if m.Nodes, err = r.UnpackString(); err != nil {
		return nil, err
	}
	if m.StartTime, err = r.UnpackTime(); err != nil {
		return nil, err
	}
	if m.StepID, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.TotalProcs, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	return m, nil
}

// DBDStepComplete records a job step leaving the RUNNING state.
type DBDStepComplete struct {
	AssocID    uint32
	JobID      uint32
	EndTime    time.Time
	ExitCode   uint32
	JobState   uint16
	StepID     uint32
	TotalProcs uint32
}

func (m *DBDStepComplete) Kind() Kind { return KindDBDStepComplete }

func (m *DBDStepComplete) Pack(w *buffer.Buffer, _ ProtocolVersion) {
	w.PackU32(m.AssocID)
	w.PackU32(m.JobID)
	w.PackTime(m.EndTime)
	w.PackU32(m.ExitCode)
	w.PackU16(m.JobState)
	w.PackU32(m.StepID)
	w.PackU32(m.TotalProcs)
}

func unpackDBDStepComplete(r *buffer.Buffer, _ ProtocolVersion) (Body, error) {
	m := &DBDStepComplete{}
	var err error
	if m.AssocID, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.JobID, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.EndTime, err = r.UnpackTime(); err != nil {
		return nil, err
	}
	if m.ExitCode, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.JobState, err = r.UnpackU16(); err != nil {
		return nil, err
	}
	if m.StepID, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.TotalProcs, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	return m, nil
}

// DBDJobSuspend records a job transitioning to/from SUSPENDED.
type DBDJobSuspend struct {
	AssocID     uint32
	JobID       uint32
	JobState    uint16
	SuspendTime time.Time
}

func (m *DBDJobSuspend) Kind() Kind { return KindDBDJobSuspend }

func (m *DBDJobSuspend) Pack(w *buffer.Buffer, _ ProtocolVersion) {
	w.PackU32(m.AssocID)
	w.PackU32(m.JobID)
	w.PackU16(m.JobState)
	w.PackTime(m.SuspendTime)
}

func unpackDBDJobSuspend(r *buffer.Buffer, _ ProtocolVersion) (Body, error) {
	m := &DBDJobSuspend{}
	var err error
	if m.AssocID, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.JobID, err = r.UnpackU32(); err != nil {
		return nil, err
	}
	if m.JobState, err = r.UnpackU16(); err != nil {
		return nil, err
	}
	if m.SuspendTime, err = r.UnpackTime(); err != nil {
		return nil, err
	}
	return m, nil
}

// DBDNodeState records a node-state transition affecting job accounting.
type DBDNodeState struct {
	EventTime time.Time
	HostList  string
	NewState  uint16
	Reason    string
}

func (m *DBDNodeState) Kind() Kind { return KindDBDNodeState }

func (m *DBDNodeState) Pack(w *buffer.Buffer, _ ProtocolVersion) {
	w.PackTime(m.EventTime)
	w.PackString(m.HostList)
	w.PackU16(m.NewState)
	w.PackString(m.Reason)
}

func unpackDBDNodeState(r *buffer.Buffer, _ ProtocolVersion) (Body, error) {
	m := &DBDNodeState{}
	var err error
	if m.EventTime, err = r.UnpackTime(); err != nil {
		return nil, err
	}
	if m.HostList, err = r.UnpackString(); err != nil {
		return nil, err
	}
	if m.NewState, err = r.UnpackU16(); err != nil {
		return nil, err
	}
	if m.Reason, err = r.UnpackString(); err != nil {
		return nil, err
	}
	return m, nil
}
