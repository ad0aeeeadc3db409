package store

import "strings"

// ObjectKeyKind discriminates the record types of the object tree.
type ObjectKeyKind uint8

const (
	// KindObject is the record holding an object's reference count.
	KindObject ObjectKeyKind = iota
	// KindAttribute is the record holding the size of one of an object's
	// attributes.
	KindAttribute
	// KindGraveyardEntry marks an object as pending final deletion. The
	// key's ObjectID is the graveyard object, ChildID the dead object.
	KindGraveyardEntry
	// KindChild is a directory entry: the key's ObjectID is the directory
	// object, Name the entry name, and the value names the child.
	KindChild
)

// ObjectKey is a point key in a store's object tree.
type ObjectKey struct {
	ObjectID    uint64
	Kind        ObjectKeyKind
	AttributeID uint64
	ChildID     uint64
	Name        string
}

func ObjectKeyObject(objectID uint64) ObjectKey {
	return ObjectKey{ObjectID: objectID, Kind: KindObject}
}

func ObjectKeyAttribute(objectID, attributeID uint64) ObjectKey {
	return ObjectKey{ObjectID: objectID, Kind: KindAttribute, AttributeID: attributeID}
}

func ObjectKeyGraveyardEntry(graveyardID, objectID uint64) ObjectKey {
	return ObjectKey{ObjectID: graveyardID, Kind: KindGraveyardEntry, ChildID: objectID}
}

func ObjectKeyChild(directoryID uint64, name string) ObjectKey {
	return ObjectKey{ObjectID: directoryID, Kind: KindChild, Name: name}
}

func (k ObjectKey) cmp(other ObjectKey) int {
	switch {
	case k.ObjectID != other.ObjectID:
		return cmpUint64(k.ObjectID, other.ObjectID)
	case k.Kind != other.Kind:
		return cmpUint64(uint64(k.Kind), uint64(other.Kind))
	case k.AttributeID != other.AttributeID:
		return cmpUint64(k.AttributeID, other.AttributeID)
	case k.Name != other.Name:
		return strings.Compare(k.Name, other.Name)
	default:
		return cmpUint64(k.ChildID, other.ChildID)
	}
}

// CmpLowerBound implements lsmtree.Key.
func (k ObjectKey) CmpLowerBound(other ObjectKey) int { return k.cmp(other) }

// CmpUpperBound implements lsmtree.Key.
func (k ObjectKey) CmpUpperBound(other ObjectKey) int { return k.cmp(other) }

// Overlaps implements lsmtree.Key. Object keys are points, so overlap is
// equality.
func (k ObjectKey) Overlaps(other ObjectKey) bool { return k.cmp(other) == 0 }

// MergeBound implements lsmtree.Key.
func (k ObjectKey) MergeBound() ObjectKey { return k }

// ObjectValueKind discriminates object tree values.
type ObjectValueKind uint8

const (
	// ValueNone is a tombstone; it deletes every older record with the
	// same key and is elided at major compaction.
	ValueNone ObjectValueKind = iota
	// ValueObject carries an object's reference count.
	ValueObject
	// ValueAttribute carries an attribute's logical size.
	ValueAttribute
	// ValueChild carries the object ID a directory entry points at.
	ValueChild
)

// ObjectValue is the value of an object tree record.
type ObjectValue struct {
	Kind    ObjectValueKind
	Refs    uint64
	Size    uint64
	ChildID uint64
}

func ObjectValueObject(refs uint64) ObjectValue {
	return ObjectValue{Kind: ValueObject, Refs: refs}
}

func ObjectValueAttribute(size uint64) ObjectValue {
	return ObjectValue{Kind: ValueAttribute, Size: size}
}

func ObjectValueChild(childID uint64) ObjectValue {
	return ObjectValue{Kind: ValueChild, ChildID: childID}
}

func ObjectValueTombstone() ObjectValue {
	return ObjectValue{Kind: ValueNone}
}

// ExtentKey locates a byte range of one attribute in the extent tree.
// Start and End are attribute offsets; End is exclusive.
type ExtentKey struct {
	ObjectID    uint64
	AttributeID uint64
	Start       uint64
	End         uint64
}

// CmpLowerBound orders extent keys by (object, attribute, range start).
func (k ExtentKey) CmpLowerBound(other ExtentKey) int {
	if c := k.cmpPrefix(other); c != 0 {
		return c
	}
	return cmpUint64(k.Start, other.Start)
}

// CmpUpperBound orders extent keys by (object, attribute, range end).
func (k ExtentKey) CmpUpperBound(other ExtentKey) int {
	if c := k.cmpPrefix(other); c != 0 {
		return c
	}
	return cmpUint64(k.End, other.End)
}

func (k ExtentKey) cmpPrefix(other ExtentKey) int {
	if c := cmpUint64(k.ObjectID, other.ObjectID); c != 0 {
		return c
	}
	return cmpUint64(k.AttributeID, other.AttributeID)
}

// Overlaps reports whether the two keys address intersecting byte ranges of
// the same attribute.
func (k ExtentKey) Overlaps(other ExtentKey) bool {
	return k.cmpPrefix(other) == 0 && k.Start < other.End && other.Start < k.End
}

// MergeBound returns the key to seek to before merging this key into a
// layer: anything for the same attribute that could overlap Start.
func (k ExtentKey) MergeBound() ExtentKey {
	return ExtentKey{ObjectID: k.ObjectID, AttributeID: k.AttributeID, Start: 0, End: k.Start + 1}
}

// ExtentValue maps an extent to device space. Deleted extents keep their
// key so that older layers' mappings stay shadowed until compaction.
type ExtentValue struct {
	DeviceOffset uint64
	// Checksums holds one fletcher-64 checksum per device block of the
	// extent's data.
	Checksums []uint64
	Deleted   bool
}

// DeletedExtent returns the tombstone value for an extent range.
func DeletedExtent() ExtentValue {
	return ExtentValue{Deleted: true}
}

// shrunk returns the value trimmed to the first newLen bytes.
func (v ExtentValue) shrunk(oldLen, newLen, blockSize uint64) ExtentValue {
	if v.Deleted {
		return v
	}
	out := ExtentValue{DeviceOffset: v.DeviceOffset}
	if n := newLen / blockSize; uint64(len(v.Checksums)) >= n {
		out.Checksums = v.Checksums[:n]
	}
	return out
}

// offsetBy returns the value with the first delta bytes cut off the front.
func (v ExtentValue) offsetBy(delta, blockSize uint64) ExtentValue {
	if v.Deleted {
		return v
	}
	out := ExtentValue{DeviceOffset: v.DeviceOffset + delta}
	if n := delta / blockSize; uint64(len(v.Checksums)) >= n {
		out.Checksums = v.Checksums[n:]
	}
	return out
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
