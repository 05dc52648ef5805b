/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package crdt

import (
	"bytes"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/decentraland/explorer-core/ids"
)

func TestCRDT(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "crdt store suite")
}

type fakeCensus struct {
	born, died []ids.SceneEntityId
}

func (f *fakeCensus) Born(eid ids.SceneEntityId) { f.born = append(f.born, eid) }
func (f *fakeCensus) Died(eid ids.SceneEntityId) { f.died = append(f.died, eid) }

var _ = Describe("Store", func() {
	var (
		store  *Store
		schema Schema
		eid    ids.SceneEntityId
	)

	BeforeEach(func() {
		store = NewStore()
		schema = Schema{ids.ComponentTransform: ids.KindLWW, ids.ComponentPointerEventsLog: ids.KindGrowOnly}
		eid = ids.NewEntityId(100, 0)
	})

	Describe("LWW merge rule", func() {
		It("accepts a strictly greater timestamp", func() {
			ok := store.UpdateIfDifferent(ids.ComponentTransform, eid, 1, []byte("a"))
			Expect(ok).To(BeTrue())
			ok = store.UpdateIfDifferent(ids.ComponentTransform, eid, 2, []byte("b"))
			Expect(ok).To(BeTrue())
			ts, payload, exists := store.LWWValue(ids.ComponentTransform, eid)
			Expect(exists).To(BeTrue())
			Expect(ts).To(BeEquivalentTo(2))
			Expect(payload).To(Equal([]byte("b")))
		})

		It("breaks equal timestamps with lexicographic byte order", func() {
			store.ForceUpdate(ids.ComponentTransform, ids.KindLWW, eid, 4, []byte("A"))
			changed := store.UpdateIfDifferent(ids.ComponentTransform, eid, 4, []byte("B"))
			Expect(changed).To(BeTrue())
			_, payload, _ := store.LWWValue(ids.ComponentTransform, eid)
			Expect(payload).To(Equal([]byte("B")))

			// a lexicographically smaller payload at the same timestamp is rejected
			changed = store.UpdateIfDifferent(ids.ComponentTransform, eid, 4, []byte("A"))
			Expect(changed).To(BeFalse())
			_, payload, _ = store.LWWValue(ids.ComponentTransform, eid)
			Expect(payload).To(Equal([]byte("B")))
		})

		It("rejects a write with a smaller timestamp and does not advance it", func() {
			store.ForceUpdate(ids.ComponentTransform, ids.KindLWW, eid, 10, []byte("x"))
			changed := store.UpdateIfDifferent(ids.ComponentTransform, eid, 3, []byte("y"))
			Expect(changed).To(BeFalse())
			ts, payload, _ := store.LWWValue(ids.ComponentTransform, eid)
			Expect(ts).To(BeEquivalentTo(10))
			Expect(payload).To(Equal([]byte("x")))
		})

		It("is a no-op when the payload is byte-identical", func() {
			store.UpdateIfDifferent(ids.ComponentTransform, eid, 1, []byte("same"))
			changed := store.UpdateIfDifferent(ids.ComponentTransform, eid, 2, []byte("same"))
			Expect(changed).To(BeFalse())
		})
	})

	Describe("TakeUpdates", func() {
		It("drains dirty cells once and returns empty on the second call", func() {
			store.UpdateIfDifferent(ids.ComponentTransform, eid, 1, []byte("p"))
			batch := store.TakeUpdates()
			Expect(batch.Messages).To(HaveLen(1))

			again := store.TakeUpdates()
			Expect(again.Empty()).To(BeTrue())
		})
	})

	Describe("GrowOnly cells", func() {
		It("preserves append order and only drains new entries", func() {
			store.ForceUpdate(ids.ComponentPointerEventsLog, ids.KindGrowOnly, eid, 0, []byte("e1"))
			store.ForceUpdate(ids.ComponentPointerEventsLog, ids.KindGrowOnly, eid, 0, []byte("e2"))
			batch := store.TakeUpdates()
			Expect(batch.Messages).To(HaveLen(2))
			Expect(batch.Messages[0].Payload).To(Equal([]byte("e1")))
			Expect(batch.Messages[1].Payload).To(Equal([]byte("e2")))

			store.ForceUpdate(ids.ComponentPointerEventsLog, ids.KindGrowOnly, eid, 0, []byte("e3"))
			batch = store.TakeUpdates()
			Expect(batch.Messages).To(HaveLen(1))
			Expect(batch.Messages[0].Payload).To(Equal([]byte("e3")))

			Expect(store.GrowOnlyValues(ids.ComponentPointerEventsLog, eid)).To(Equal([][]byte{
				[]byte("e1"), []byte("e2"), []byte("e3"),
			}))
		})
	})

	Describe("CleanUp / tombstones", func() {
		It("tombstones every component and makes the id permanently dead", func() {
			store.UpdateIfDifferent(ids.ComponentTransform, eid, 1, []byte("p"))
			store.CleanUp([]ids.SceneEntityId{eid})

			batch := store.TakeUpdates()
			Expect(batch.Messages).To(HaveLen(2)) // DELETE_ENTITY + tombstoned PUT_LWW
			Expect(batch.Messages[0].Type).To(Equal(MsgDeleteEntity))

			Expect(store.IsDead(eid)).To(BeTrue())

			census := &fakeCensus{}
			store.apply(&Message{Type: MsgPutLWW, Entity: eid, Component: ids.ComponentTransform, Timestamp: 99, Payload: []byte("revive")}, schema, census)
			_, _, exists := store.LWWValue(ids.ComponentTransform, eid)
			Expect(exists).To(BeTrue()) // cell still there but unchanged...
			ts, payload, _ := store.LWWValue(ids.ComponentTransform, eid)
			Expect(ts).NotTo(BeEquivalentTo(99))
			Expect(payload).To(BeNil())
			Expect(census.born).To(BeEmpty())
		})

		It("allows a version-bumped reuse of the same entity number", func() {
			store.CleanUp([]ids.SceneEntityId{eid})
			bumped := eid.Bump()
			Expect(store.IsDead(bumped)).To(BeFalse())
			Expect(store.UpdateIfDifferent(ids.ComponentTransform, bumped, 1, []byte("fresh"))).To(BeTrue())
		})
	})

	Describe("wire round-trip", func() {
		It("encodes and decodes a PUT_LWW message byte-for-byte", func() {
			msg := &Message{Type: MsgPutLWW, Entity: eid, Component: ids.ComponentTransform, Timestamp: 7, Payload: []byte("hello")}
			encoded := msg.Encode()
			decoded, err := ReadMessage(bytes.NewReader(encoded))
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded.Encode()).To(Equal(encoded))
		})

		It("processes a length-prefixed stream end to end", func() {
			var buf bytes.Buffer
			buf.Write(EncodePutLWW(eid, ids.ComponentTransform, 1, []byte("v1")))
			buf.Write(EncodeAppendGO(eid, ids.ComponentPointerEventsLog, []byte("log1")))
			buf.Write(EncodeDeleteEntity(ids.NewEntityId(200, 0)))

			census := &fakeCensus{}
			Expect(store.ProcessMessageStream(census, schema, &buf)).To(Succeed())
			Expect(census.born).To(ContainElement(eid))

			ts, payload, _ := store.LWWValue(ids.ComponentTransform, eid)
			Expect(ts).To(BeEquivalentTo(1))
			Expect(payload).To(Equal([]byte("v1")))
		})

		It("is idempotent: applying the same message twice is a no-op on the second application", func() {
			msg := EncodePutLWW(eid, ids.ComponentTransform, 5, []byte("once"))
			census := &fakeCensus{}
			Expect(store.ProcessMessageStream(census, schema, bytes.NewReader(msg))).To(Succeed())
			Expect(store.ProcessMessageStream(census, schema, bytes.NewReader(msg))).To(Succeed())
			Expect(census.born).To(HaveLen(1)) // born only once
		})
	})

	Describe("compression envelope", func() {
		It("round-trips a small (uncompressed) batch", func() {
			store.UpdateIfDifferent(ids.ComponentTransform, eid, 1, []byte("v"))
			batch := store.TakeUpdates()
			envelope := EncodeCompressed(batch)
			Expect(envelope[0]).To(BeEquivalentTo(0))
			msgs, err := DecodeCompressed(envelope)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(1))
		})

		It("round-trips a large (compressed) batch", func() {
			for i := 0; i < 500; i++ {
				e := ids.NewEntityId(uint16(i), 0)
				store.UpdateIfDifferent(ids.ComponentTransform, e, 1, bytes.Repeat([]byte("x"), 64))
			}
			batch := store.TakeUpdates()
			envelope := EncodeCompressed(batch)
			Expect(envelope[0]).To(BeEquivalentTo(1))
			msgs, err := DecodeCompressed(envelope)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(500))
		})
	})
})
