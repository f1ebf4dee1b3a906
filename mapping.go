package main

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Sheet 來源表格 (已解析的列)
type Sheet struct {
	Name string
	// HeaderLine 標題列在來源中的行號 (從 1 起算), 用於錯誤訊息
	HeaderLine int
	Header     []string
	Rows       [][]string
}

// MappingColumns 對照表欄位名稱 (比對時忽略大小寫與空白)
type MappingColumns struct {
	Service    string `json:"service" mapstructure:"service" yaml:"service"`
	Parameter  string `json:"parameter" mapstructure:"parameter" yaml:"parameter"`
	Address    string `json:"address" mapstructure:"address" yaml:"address"`
	Count      string `json:"count" mapstructure:"count" yaml:"count"`
	InstanceID string `json:"instance_id" mapstructure:"instance_id" yaml:"instance_id"`
	Unit       string `json:"unit" mapstructure:"unit" yaml:"unit"`
}

// DefaultMappingColumns Victron CCGX 暫存器清單的欄位名稱
func DefaultMappingColumns() MappingColumns {
	return MappingColumns{
		Service:    "dbus-service-name",
		Parameter:  "description",
		Address:    "Address",
		Count:      "Count",
		InstanceID: "/DeviceInstance",
		Unit:       "Unit ID",
	}
}

// LoadErrorKind 載入錯誤類型
type LoadErrorKind int

const (
	LoadMissingColumn LoadErrorKind = iota
	LoadUnparsableAddress
	LoadDuplicateKey
	LoadEmptyTable
)

func (k LoadErrorKind) String() string {
	switch k {
	case LoadMissingColumn:
		return "missing_column"
	case LoadUnparsableAddress:
		return "unparsable_address"
	case LoadDuplicateKey:
		return "duplicate_key"
	case LoadEmptyTable:
		return "empty_table"
	default:
		return "unknown"
	}
}

// LoadError 對照表載入錯誤, 一律視為致命錯誤
type LoadError struct {
	Kind   LoadErrorKind
	Sheet  string
	Row    int
	Column string
	Value  string
}

func (e *LoadError) Error() string {
	switch e.Kind {
	case LoadMissingColumn:
		return fmt.Sprintf("工作表 %q 缺少欄位 %q", e.Sheet, e.Column)
	case LoadUnparsableAddress:
		return fmt.Sprintf("工作表 %q 第 %d 列欄位 %q 的值 %q 超出範圍", e.Sheet, e.Row, e.Column, e.Value)
	case LoadDuplicateKey:
		return fmt.Sprintf("工作表 %q 第 %d 列重複的鍵 %s", e.Sheet, e.Row, e.Value)
	case LoadEmptyTable:
		return fmt.Sprintf("工作表 %q 沒有任何有效的暫存器對照", e.Sheet)
	default:
		return fmt.Sprintf("工作表 %q 載入失敗", e.Sheet)
	}
}

// ParameterKey (服務, 參數) 組合
type ParameterKey struct {
	Service   string
	Parameter string
}

func (k ParameterKey) String() string {
	return k.Service + "/" + k.Parameter
}

// RegisterBinding 參數對應的暫存器
type RegisterBinding struct {
	Address uint16
	// Count 佔用的連續暫存器數, 預設 1
	Count uint16
}

// ParameterBinding 帶鍵的暫存器對照
type ParameterBinding struct {
	ParameterKey
	RegisterBinding
}

// MappingTable 暫存器與 Unit ID 對照表
//
// 載入後不可變更, 輪詢期間可無鎖讀取.
type MappingTable struct {
	registers map[ParameterKey]RegisterBinding
	// 每個服務的參數 (依載入順序)
	parameters map[string][]string
	services   []string
	units      map[int]uint8
}

// Register 查詢參數的暫存器
func (m *MappingTable) Register(service, parameter string) (RegisterBinding, bool) {
	b, ok := m.registers[ParameterKey{Service: service, Parameter: parameter}]
	return b, ok
}

// Parameters 服務的參數名稱 (依載入順序)
func (m *MappingTable) Parameters(service string) []string {
	return slices.Clone(m.parameters[service])
}

// Services 對照表中出現的服務 (依載入順序)
func (m *MappingTable) Services() []string {
	return slices.Clone(m.services)
}

// Unit 查詢設備實例對應的 Unit ID
func (m *MappingTable) Unit(instanceID int) (uint8, bool) {
	u, ok := m.units[instanceID]
	return u, ok
}

// Len 暫存器對照數
func (m *MappingTable) Len() int {
	return len(m.registers)
}

// UnitCount Unit ID 對照數
func (m *MappingTable) UnitCount() int {
	return len(m.units)
}

// Bindings 所有暫存器對照 (依載入順序)
func (m *MappingTable) Bindings() []ParameterBinding {
	out := make([]ParameterBinding, 0, len(m.registers))
	for _, svc := range m.services {
		for _, p := range m.parameters[svc] {
			key := ParameterKey{Service: svc, Parameter: p}
			out = append(out, ParameterBinding{ParameterKey: key, RegisterBinding: m.registers[key]})
		}
	}
	return out
}

// Equal 比較對照內容 (不考慮順序)
func (m *MappingTable) Equal(other *MappingTable) bool {
	if m == nil || other == nil {
		return m == other
	}
	if len(m.registers) != len(other.registers) || len(m.units) != len(other.units) {
		return false
	}
	for k, v := range m.registers {
		if ov, ok := other.registers[k]; !ok || ov != v {
			return false
		}
	}
	for k, v := range m.units {
		if ov, ok := other.units[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// LoadMapping 由已解析的表格建立對照表
//
// 空白或非數字的位址列會被略過並記錄警告; 缺少欄位, 數值超出範圍,
// 重複的鍵以及沒有任何暫存器對照都會回傳 *LoadError.
func LoadMapping(registers, units *Sheet, cols MappingColumns, logger *zap.Logger) (*MappingTable, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &MappingTable{
		registers:  make(map[ParameterKey]RegisterBinding),
		parameters: make(map[string][]string),
		units:      make(map[int]uint8),
	}

	if err := m.loadRegisters(registers, cols, logger); err != nil {
		return nil, err
	}
	if err := m.loadUnits(units, cols, logger); err != nil {
		return nil, err
	}

	logger.Info("對照表載入完成",
		zap.Int("services", len(m.services)),
		zap.Int("registers", len(m.registers)),
		zap.Int("units", len(m.units)),
	)

	return m, nil
}

func (m *MappingTable) loadRegisters(sheet *Sheet, cols MappingColumns, logger *zap.Logger) error {
	sheet = orEmpty(sheet, "registers")

	svcIdx, err := columnIndex(sheet, cols.Service)
	if err != nil {
		return err
	}
	paramIdx, err := columnIndex(sheet, cols.Parameter)
	if err != nil {
		return err
	}
	addrIdx, err := columnIndex(sheet, cols.Address)
	if err != nil {
		return err
	}
	// 數量欄位可省略
	countIdx := -1
	if cols.Count != "" {
		if idx, err := columnIndex(sheet, cols.Count); err == nil {
			countIdx = idx
		}
	}

	for i, row := range sheet.Rows {
		line := sheet.HeaderLine + 1 + i
		if isBlankRow(row) {
			continue
		}

		service := cell(row, svcIdx)
		parameter := cell(row, paramIdx)
		if service == "" || parameter == "" {
			logger.Warn("略過缺少服務或參數名稱的列", zap.String("sheet", sheet.Name), zap.Int("row", line))
			continue
		}

		raw := cell(row, addrIdx)
		addr, state := parseInteger(raw)
		if state == cellSkip {
			logger.Warn("略過位址無法解析的列",
				zap.String("sheet", sheet.Name),
				zap.Int("row", line),
				zap.String("service", service),
				zap.String("parameter", parameter),
				zap.String("value", raw),
			)
			continue
		}
		if state == cellOutOfRange || addr < 0 || addr > math.MaxUint16 {
			return &LoadError{Kind: LoadUnparsableAddress, Sheet: sheet.Name, Row: line, Column: cols.Address, Value: raw}
		}

		count := int64(1)
		if countIdx >= 0 {
			if rawCount := cell(row, countIdx); rawCount != "" {
				n, state := parseInteger(rawCount)
				if state == cellSkip {
					logger.Warn("略過數量無法解析的列",
						zap.String("sheet", sheet.Name),
						zap.Int("row", line),
						zap.String("value", rawCount),
					)
					continue
				}
				if state == cellOutOfRange || n < 1 || n > MaxRegistersPerParameter || addr+n-1 > math.MaxUint16 {
					return &LoadError{Kind: LoadUnparsableAddress, Sheet: sheet.Name, Row: line, Column: cols.Count, Value: rawCount}
				}
				count = n
			}
		}

		key := ParameterKey{Service: service, Parameter: parameter}
		if _, exists := m.registers[key]; exists {
			return &LoadError{Kind: LoadDuplicateKey, Sheet: sheet.Name, Row: line, Column: cols.Parameter, Value: key.String()}
		}

		m.registers[key] = RegisterBinding{Address: uint16(addr), Count: uint16(count)}
		if _, seen := m.parameters[service]; !seen {
			m.services = append(m.services, service)
		}
		m.parameters[service] = append(m.parameters[service], parameter)
	}

	if len(m.registers) == 0 {
		return &LoadError{Kind: LoadEmptyTable, Sheet: sheet.Name}
	}

	return nil
}

func (m *MappingTable) loadUnits(sheet *Sheet, cols MappingColumns, logger *zap.Logger) error {
	sheet = orEmpty(sheet, "units")

	instIdx, err := columnIndex(sheet, cols.InstanceID)
	if err != nil {
		return err
	}
	unitIdx, err := columnIndex(sheet, cols.Unit)
	if err != nil {
		return err
	}

	for i, row := range sheet.Rows {
		line := sheet.HeaderLine + 1 + i
		if isBlankRow(row) {
			continue
		}

		rawInst := cell(row, instIdx)
		rawUnit := cell(row, unitIdx)

		inst, instState := parseInteger(rawInst)
		unit, unitState := parseInteger(rawUnit)
		if instState == cellSkip || unitState == cellSkip {
			logger.Warn("略過無法解析的 Unit ID 列",
				zap.String("sheet", sheet.Name),
				zap.Int("row", line),
				zap.String("instance", rawInst),
				zap.String("unit", rawUnit),
			)
			continue
		}
		if instState == cellOutOfRange || inst < 0 || inst > math.MaxInt32 {
			return &LoadError{Kind: LoadUnparsableAddress, Sheet: sheet.Name, Row: line, Column: cols.InstanceID, Value: rawInst}
		}
		if unitState == cellOutOfRange || unit < 0 || unit > math.MaxUint8 {
			return &LoadError{Kind: LoadUnparsableAddress, Sheet: sheet.Name, Row: line, Column: cols.Unit, Value: rawUnit}
		}

		if _, exists := m.units[int(inst)]; exists {
			return &LoadError{Kind: LoadDuplicateKey, Sheet: sheet.Name, Row: line, Column: cols.InstanceID, Value: rawInst}
		}
		m.units[int(inst)] = uint8(unit)
	}

	return nil
}

func orEmpty(sheet *Sheet, name string) *Sheet {
	if sheet == nil {
		return &Sheet{Name: name}
	}
	return sheet
}

// normalizeHeader 去除空白並轉小寫
func normalizeHeader(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

func columnIndex(sheet *Sheet, name string) (int, error) {
	want := normalizeHeader(name)
	if want != "" {
		for i, h := range sheet.Header {
			if normalizeHeader(h) == want {
				return i, nil
			}
		}
	}
	return -1, &LoadError{Kind: LoadMissingColumn, Sheet: sheet.Name, Column: name}
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

type cellState int

const (
	cellOK cellState = iota
	// cellSkip 空白或非數字
	cellSkip
	// cellOutOfRange 是數字但超出 int64
	cellOutOfRange
)

// parseInteger 解析十進位整數, 試算表匯出的 "100.0" 亦視為整數
func parseInteger(s string) (int64, cellState) {
	if s == "" {
		return 0, cellSkip
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return n, cellOK
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, cellOutOfRange
	}

	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, cellSkip
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, cellOutOfRange
	}
	return int64(f), cellOK
}
