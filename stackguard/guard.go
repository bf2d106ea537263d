// Package stackguard converts task stack overflows into immediate memory
// management faults. Each registered task binds its stack base to one MPU
// region; on every task switch the scheduler hook reprograms the region table
// so only the running task's stack is accessible.
package stackguard

import (
	"fmt"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/sheapguard/sheapguard/memutils"
	"github.com/sheapguard/sheapguard/mpu"
)

var (
	ErrNoMPURegionLeft       = cerrors.New("no mpu region left for another task")
	ErrInvalidMPUAddress     = cerrors.New("stack base address is not a valid mpu region address")
	ErrInvalidStackAlignment = cerrors.New("stack base address is not aligned to the region size")
	ErrInvalidRegionNumber   = cerrors.New("region number rejected by the mpu")
	ErrInvalidRegionSize     = cerrors.New("stack size cannot be encoded as an mpu region size")
	ErrTaskNotFound          = cerrors.New("no mpu region is registered for the task")
	ErrTaskAlreadyRegistered = cerrors.New("task already has a registered mpu region")
)

// noTask marks an empty region-table slot.
const noTask int64 = -1

const (
	defaultMaxRegions = 8
	defaultMutexWait  = 100 * time.Millisecond
)

type taskRegion struct {
	taskID int64
	region mpu.Region
}

// Config carries the one-time options of the stack guard.
type Config struct {
	// MaxRegions is the software ceiling on the region table. The effective
	// table size is the smaller of this and the hardware region count.
	MaxRegions int
	// TaskSwitchOutPermission is applied to every region not belonging to the
	// task being switched in. The zero value denies all access.
	TaskSwitchOutPermission mpu.AccessPermission

	// MutexWaitTimeout bounds how long AddTask and RemoveTask may suspend
	// while acquiring the table mutex. Negative waits forever.
	MutexWaitTimeout time.Duration
	// SingleThreaded replaces the mutex with a no-op.
	SingleThreaded bool
	// Mutex overrides the exclusion primitive, usually with an RTOS binding.
	Mutex memutils.Mutex

	// SystemControl reads the fault status and fault address registers; a
	// hardware port adapts the system control block, tests use
	// SimSystemControl.
	SystemControl SystemControl
	// OnDebugBreak runs when a memory fault arrives with no fault handler
	// registered while a debugger is attached.
	OnDebugBreak func()

	// AssertHandler receives every violation report.
	AssertHandler memutils.AssertHandler
	// Logger mirrors reports to structured logging. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the stock stack-guard options: eight regions,
// all-access-denied on switch-out.
func DefaultConfig() Config {
	return Config{
		MaxRegions:              defaultMaxRegions,
		TaskSwitchOutPermission: mpu.AccessDenied,
		MutexWaitTimeout:        defaultMutexWait,
	}
}

// Guard owns the task region table and drives the MPU from it. AddTask and
// RemoveTask serialize on the table mutex; TaskSwitchIn is called from the
// scheduler's task-switch hook, which is expected to run inside the
// scheduler's own critical section, and therefore takes no lock.
type Guard struct {
	driver   *mpu.Driver
	reporter *memutils.Reporter

	mutex     memutils.Mutex
	mutexWait time.Duration

	regions    []taskRegion
	taskIndex  *swiss.Map[uint32, int]
	nextUnused int
	switchOut  mpu.AccessPermission

	memFault MemFaultHandler
	sysctl   SystemControl
	onBreak  func()
}

// NewGuard disables the MPU, clears the region table and stores the fault
// callback. It fails with mpu.ErrNoMPUAvailable when the hardware reports zero
// regions.
func NewGuard(driver *mpu.Driver, memFault MemFaultHandler, config Config) (*Guard, error) {
	g := &Guard{
		driver:    driver,
		reporter:  memutils.NewReporter(config.AssertHandler, config.Logger),
		mutexWait: config.MutexWaitTimeout,
		switchOut: config.TaskSwitchOutPermission,
		memFault:  memFault,
		sysctl:    config.SystemControl,
		onBreak:   config.OnDebugBreak,
	}
	switch {
	case config.SingleThreaded:
		g.mutex = memutils.NoOpMutex{}
	case config.Mutex != nil:
		g.mutex = config.Mutex
	default:
		g.mutex = memutils.NewTimedMutex()
	}

	regionCount := driver.RegionCount()
	if regionCount == 0 {
		g.reporter.Report(memutils.AssertNoMPUAvailable, "stackguard init: no mpu regions available")
		return nil, mpu.ErrNoMPUAvailable
	}
	if err := driver.Disable(); err != nil {
		return nil, err
	}

	tableSize := config.MaxRegions
	if tableSize <= 0 {
		tableSize = defaultMaxRegions
	}
	if regionCount < tableSize {
		tableSize = regionCount
	}
	g.regions = make([]taskRegion, tableSize)
	for i := range g.regions {
		g.regions[i] = taskRegion{
			taskID: noTask,
			region: mpu.DefaultRegion(uint8(i)),
		}
	}
	g.taskIndex = swiss.NewMap[uint32, int](uint32(tableSize))
	return g, nil
}

// RegionCount returns the size of the region table.
func (g *Guard) RegionCount() int {
	return len(g.regions)
}

// TaskCount returns the number of registered tasks.
func (g *Guard) TaskCount() int {
	return g.taskIndex.Count()
}

// AddTask binds taskID's stack base to the lowest unused MPU region and
// programs it with the supplied attributes. The table is mutated only after
// the hardware accepted the region, so a failed registration leaves no trace.
func (g *Guard) AddTask(taskID uint32, stackBase uint32, size mpu.RegionSize, initialAccess mpu.AccessPermission, executeNever bool) error {
	if g.nextUnused >= len(g.regions) {
		g.reporter.Report(memutils.AssertNoMPURegionLeft,
			fmt.Sprintf("cannot add task %d: all %d mpu regions are in use", taskID, len(g.regions)))
		return ErrNoMPURegionLeft
	}
	if !g.acquireMutex() {
		return memutils.ErrMutexAcquireFailed
	}
	defer g.releaseMutex()

	if _, exists := g.taskIndex.Get(taskID); exists {
		return cerrors.Wrapf(ErrTaskAlreadyRegistered, "task %d", taskID)
	}

	slot := g.nextUnused
	region := mpu.Region{
		Address: stackBase,
		Number:  uint8(slot),
		Size:    size,
		Access:  initialAccess,
	}
	region.FillDefaults()
	region.ExecuteNever = executeNever

	if err := g.driver.ConfigureRegion(&region, false); err != nil {
		return g.mapDriverError(err, taskID)
	}

	g.regions[slot] = taskRegion{
		taskID: int64(taskID),
		region: region,
	}
	g.taskIndex.Put(taskID, slot)
	for g.nextUnused < len(g.regions) && g.regions[g.nextUnused].taskID != noTask {
		g.nextUnused++
	}
	return nil
}

// AddTaskByteSize registers a task whose stack size is given in bytes. The
// size must be a power of two representable as an MPU region size.
func (g *Guard) AddTaskByteSize(taskID uint32, stackBase uint32, stackBytes uint32, initialAccess mpu.AccessPermission, executeNever bool) error {
	size, err := mpu.RegionSizeForBytes(stackBytes)
	if err != nil {
		g.reporter.Report(memutils.AssertMPUInvalidRegionSize,
			fmt.Sprintf("cannot add task %d: stack size %d is not a valid region size", taskID, stackBytes))
		return cerrors.CombineErrors(ErrInvalidRegionSize, err)
	}
	return g.AddTask(taskID, stackBase, size, initialAccess, executeNever)
}

// RemoveTask releases taskID's region. The hardware region is disabled so a
// stale mapping cannot outlive its task; the MPU enable state is preserved.
func (g *Guard) RemoveTask(taskID uint32) error {
	if !g.acquireMutex() {
		return memutils.ErrMutexAcquireFailed
	}
	defer g.releaseMutex()

	slot, ok := g.taskIndex.Get(taskID)
	if !ok {
		g.reporter.Report(memutils.AssertTaskNotFound,
			fmt.Sprintf("cannot remove task %d: no region registered", taskID))
		return cerrors.Wrapf(ErrTaskNotFound, "task %d", taskID)
	}

	wasEnabled := g.driver.IsEnabled()
	g.regions[slot] = taskRegion{
		taskID: noTask,
		region: mpu.DefaultRegion(uint8(slot)),
	}
	g.taskIndex.Delete(taskID)

	cleared := g.regions[slot].region
	cleared.Enabled = false
	_ = g.driver.ConfigureRegion(&cleared, wasEnabled)

	if slot < g.nextUnused {
		g.nextUnused = slot
	}
	return nil
}

// TaskSwitchIn is the scheduler hook for the task beginning to run. It
// disables the MPU, grants taskID's region full access, demotes every other
// occupied region to the switch-out permission, and re-enables the MPU when
// enableMPU is set.
//
// The method takes no lock: it must be invoked from the scheduler's critical
// section, where it is the only writer to the MPU registers. Table mutators
// hold the mutex and run outside that section, so a switch-in observes either
// the old table or the new one, never a partial mutation.
func (g *Guard) TaskSwitchIn(taskID uint32, enableMPU bool) {
	if !g.driver.IsEnabled() {
		g.reporter.Report(memutils.AssertMPUNotEnabled, "task switch in: mpu is not enabled")
	}
	_ = g.driver.Disable()
	for i := range g.regions {
		entry := g.regions[i]
		if entry.taskID == noTask {
			continue
		}
		region := entry.region
		if entry.taskID == int64(taskID) {
			region.Access = mpu.AccessAllAllowed
		} else {
			region.Access = g.switchOut
		}
		region.Number = uint8(i)
		_ = g.driver.ConfigureRegion(&region, false)
	}
	if enableMPU {
		_ = g.driver.Enable()
	}
}

// GuardStacks enables the MPU, activating every programmed region.
func (g *Guard) GuardStacks() error {
	err := g.driver.Enable()
	if err != nil {
		g.reporter.Report(memutils.AssertNoMPUAvailable, "cannot guard stacks: no mpu available")
		return err
	}
	return nil
}

// Validate checks the region-table invariants: task uniqueness, base address
// alignment, size-code range, and the nextUnused cache.
func (g *Guard) Validate() error {
	seen := make(map[int64]int, len(g.regions))
	firstEmpty := len(g.regions)
	for i, entry := range g.regions {
		if entry.taskID == noTask {
			if i < firstEmpty {
				firstEmpty = i
			}
			continue
		}
		if previous, duplicated := seen[entry.taskID]; duplicated {
			return errors.Errorf("task %d occupies both region %d and region %d", entry.taskID, previous, i)
		}
		seen[entry.taskID] = i
		if entry.region.Address%32 != 0 {
			return errors.Errorf("region %d base address %#x is not 32-byte aligned", i, entry.region.Address)
		}
		if !entry.region.Size.Valid() {
			return errors.Errorf("region %d carries invalid size code %#x", i, uint8(entry.region.Size))
		}
		slot, ok := g.taskIndex.Get(uint32(entry.taskID))
		if !ok || slot != i {
			return errors.Errorf("task index does not map task %d to region %d", entry.taskID, i)
		}
	}
	if g.nextUnused > firstEmpty {
		return errors.Errorf("nextUnused is %d but the first empty region is %d", g.nextUnused, firstEmpty)
	}
	return nil
}

var _ memutils.Validatable = &Guard{}

// WriteRegionsJson populates a json object with the region table.
func (g *Guard) WriteRegionsJson(json jwriter.ObjectState) {
	json.Name("Regions").Int(len(g.regions))
	json.Name("Tasks").Int(g.TaskCount())

	slots := json.Name("Slots").Array()
	defer slots.End()

	for i, entry := range g.regions {
		obj := slots.Object()

		obj.Name("Region").Int(i)
		if entry.taskID == noTask {
			obj.Name("Empty").Bool(true)
		} else {
			obj.Name("TaskId").Int(int(entry.taskID))
			obj.Name("Address").Int(int(entry.region.Address))
			obj.Name("SizeBytes").Int(int(entry.region.Size.SizeBytes()))
			obj.Name("Access").String(entry.region.Access.String())
			obj.Name("ExecuteNever").Bool(entry.region.ExecuteNever)
		}
		obj.End()
	}
}

// BuildRegionsString dumps the region table as a JSON string.
func (g *Guard) BuildRegionsString() string {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	g.WriteRegionsJson(obj)
	obj.End()

	return string(writer.Bytes())
}

func (g *Guard) mapDriverError(err error, taskID uint32) error {
	switch {
	case cerrors.Is(err, mpu.ErrInvalidRegionAddress):
		g.reporter.Report(memutils.AssertInvalidMPUAddress,
			fmt.Sprintf("cannot add task %d: invalid mpu address", taskID))
		return cerrors.CombineErrors(ErrInvalidMPUAddress, err)
	case cerrors.Is(err, mpu.ErrInvalidRegionAddressAlignment):
		g.reporter.Report(memutils.AssertInvalidStackAlignment,
			fmt.Sprintf("cannot add task %d: stack is not aligned to the region size", taskID))
		return cerrors.CombineErrors(ErrInvalidStackAlignment, err)
	case cerrors.Is(err, mpu.ErrInvalidRegionNumber):
		g.reporter.Report(memutils.AssertInvalidRegionNumber,
			fmt.Sprintf("cannot add task %d: invalid region number", taskID))
		return cerrors.CombineErrors(ErrInvalidRegionNumber, err)
	case cerrors.Is(err, mpu.ErrInvalidRegionSize):
		g.reporter.Report(memutils.AssertMPUInvalidRegionSize,
			fmt.Sprintf("cannot add task %d: invalid region size", taskID))
		return cerrors.CombineErrors(ErrInvalidRegionSize, err)
	case cerrors.Is(err, mpu.ErrNoMPUAvailable):
		g.reporter.Report(memutils.AssertNoMPUAvailable,
			fmt.Sprintf("cannot add task %d: no mpu available", taskID))
		return err
	default:
		return err
	}
}

func (g *Guard) acquireMutex() bool {
	err := g.mutex.Acquire(g.mutexWait)
	if err != nil {
		g.reporter.Report(memutils.AssertMutexAcquireFailed, err.Error())
		return false
	}
	return true
}

func (g *Guard) releaseMutex() {
	err := g.mutex.Release()
	if err != nil {
		g.reporter.Report(memutils.AssertMutexReleaseFailed, err.Error())
	}
}
